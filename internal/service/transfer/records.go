package transfer

import (
	"fmt"
	"strconv"
	"strings"
)

// DependenciaRecord is the portable form of a dependencia.
type DependenciaRecord struct {
	Code        string `json:"code" yaml:"code"`
	Name        string `json:"name" yaml:"name"`
	Acronym     string `json:"acronym,omitempty" yaml:"acronym,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Active      *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

// SubdependenciaRecord is the portable form of a subdependencia.
type SubdependenciaRecord struct {
	DependenciaCode string `json:"dependencia_code" yaml:"dependencia_code"`
	Code            string `json:"code" yaml:"code"`
	Name            string `json:"name" yaml:"name"`
	Acronym         string `json:"acronym,omitempty" yaml:"acronym,omitempty"`
	Active          *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

// TramiteRecord is the portable form of a trámite.
type TramiteRecord struct {
	Code               string   `json:"code" yaml:"code"`
	Name               string   `json:"name" yaml:"name"`
	Description        string   `json:"description" yaml:"description"`
	Requirements       []string `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	ResponseTime       string   `json:"response_time,omitempty" yaml:"response_time,omitempty"`
	HasPayment         bool     `json:"has_payment" yaml:"has_payment"`
	Cost               *float64 `json:"cost,omitempty" yaml:"cost,omitempty"`
	LegalBasis         string   `json:"legal_basis,omitempty" yaml:"legal_basis,omitempty"`
	Channel            string   `json:"channel,omitempty" yaml:"channel,omitempty"`
	URL                string   `json:"url,omitempty" yaml:"url,omitempty"`
	Category           string   `json:"category,omitempty" yaml:"category,omitempty"`
	DependenciaCode    string   `json:"dependencia_code" yaml:"dependencia_code"`
	SubdependenciaCode string   `json:"subdependencia_code,omitempty" yaml:"subdependencia_code,omitempty"`
	Active             *bool    `json:"active,omitempty" yaml:"active,omitempty"`
}

// OPARecord is the portable form of an OPA.
type OPARecord struct {
	Code               string   `json:"code" yaml:"code"`
	Name               string   `json:"name" yaml:"name"`
	Description        string   `json:"description" yaml:"description"`
	Requirements       []string `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	ResponseTime       string   `json:"response_time,omitempty" yaml:"response_time,omitempty"`
	HasPayment         bool     `json:"has_payment" yaml:"has_payment"`
	Cost               *float64 `json:"cost,omitempty" yaml:"cost,omitempty"`
	DependenciaCode    string   `json:"dependencia_code" yaml:"dependencia_code"`
	SubdependenciaCode string   `json:"subdependencia_code,omitempty" yaml:"subdependencia_code,omitempty"`
	Active             *bool    `json:"active,omitempty" yaml:"active,omitempty"`
}

// FAQRecord is the portable form of an FAQ. The question is its key.
type FAQRecord struct {
	Question           string   `json:"question" yaml:"question"`
	Answer             string   `json:"answer" yaml:"answer"`
	Topic              string   `json:"topic,omitempty" yaml:"topic,omitempty"`
	Keywords           []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	DependenciaCode    string   `json:"dependencia_code,omitempty" yaml:"dependencia_code,omitempty"`
	SubdependenciaCode string   `json:"subdependencia_code,omitempty" yaml:"subdependencia_code,omitempty"`
	SortOrder          int      `json:"sort_order" yaml:"sort_order"`
	Active             *bool    `json:"active,omitempty" yaml:"active,omitempty"`
}

// column maps one flat field of a record to and from its CSV text.
type column[R any] struct {
	name string
	kind string // SQLite affinity: TEXT, INTEGER or REAL
	get  func(*R) string
	set  func(*R, string) error
}

// listSeparator joins list fields in CSV cells and SQLite columns.
const listSeparator = "|"

func textColumn[R any](name string, field func(*R) *string) column[R] {
	return column[R]{
		name: name,
		kind: "TEXT",
		get:  func(r *R) string { return *field(r) },
		set: func(r *R, v string) error {
			*field(r) = strings.TrimSpace(v)
			return nil
		},
	}
}

func listColumn[R any](name string, field func(*R) *[]string) column[R] {
	return column[R]{
		name: name,
		kind: "TEXT",
		get:  func(r *R) string { return strings.Join(*field(r), listSeparator) },
		set: func(r *R, v string) error {
			*field(r) = splitList(v)
			return nil
		},
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, listSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func boolColumn[R any](name string, field func(*R) *bool) column[R] {
	return column[R]{
		name: name,
		kind: "INTEGER",
		get:  func(r *R) string { return strconv.FormatBool(*field(r)) },
		set: func(r *R, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			*field(r) = b
			return nil
		},
	}
}

// optionalBoolColumn leaves the field nil when the cell is empty.
func optionalBoolColumn[R any](name string, field func(*R) **bool) column[R] {
	return column[R]{
		name: name,
		kind: "INTEGER",
		get: func(r *R) string {
			if p := *field(r); p != nil {
				return strconv.FormatBool(*p)
			}
			return ""
		},
		set: func(r *R, v string) error {
			if strings.TrimSpace(v) == "" {
				*field(r) = nil
				return nil
			}
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			*field(r) = &b
			return nil
		},
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "si", "sí", "yes", "t":
		return true, nil
	case "false", "0", "no", "f", "":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a valid boolean", v)
}

func costColumn[R any](name string, field func(*R) **float64) column[R] {
	return column[R]{
		name: name,
		kind: "REAL",
		get: func(r *R) string {
			if p := *field(r); p != nil {
				return strconv.FormatFloat(*p, 'f', -1, 64)
			}
			return ""
		},
		set: func(r *R, v string) error {
			v = strings.TrimSpace(v)
			if v == "" {
				*field(r) = nil
				return nil
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%q is not a valid number", v)
			}
			*field(r) = &f
			return nil
		},
	}
}

func intColumn[R any](name string, field func(*R) *int) column[R] {
	return column[R]{
		name: name,
		kind: "INTEGER",
		get:  func(r *R) string { return strconv.Itoa(*field(r)) },
		set: func(r *R, v string) error {
			v = strings.TrimSpace(v)
			if v == "" {
				*field(r) = 0
				return nil
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%q is not a valid integer", v)
			}
			*field(r) = n
			return nil
		},
	}
}

var dependenciaColumns = []column[DependenciaRecord]{
	textColumn("code", func(r *DependenciaRecord) *string { return &r.Code }),
	textColumn("name", func(r *DependenciaRecord) *string { return &r.Name }),
	textColumn("acronym", func(r *DependenciaRecord) *string { return &r.Acronym }),
	textColumn("description", func(r *DependenciaRecord) *string { return &r.Description }),
	optionalBoolColumn("active", func(r *DependenciaRecord) **bool { return &r.Active }),
}

var subdependenciaColumns = []column[SubdependenciaRecord]{
	textColumn("dependencia_code", func(r *SubdependenciaRecord) *string { return &r.DependenciaCode }),
	textColumn("code", func(r *SubdependenciaRecord) *string { return &r.Code }),
	textColumn("name", func(r *SubdependenciaRecord) *string { return &r.Name }),
	textColumn("acronym", func(r *SubdependenciaRecord) *string { return &r.Acronym }),
	optionalBoolColumn("active", func(r *SubdependenciaRecord) **bool { return &r.Active }),
}

var tramiteColumns = []column[TramiteRecord]{
	textColumn("code", func(r *TramiteRecord) *string { return &r.Code }),
	textColumn("name", func(r *TramiteRecord) *string { return &r.Name }),
	textColumn("description", func(r *TramiteRecord) *string { return &r.Description }),
	listColumn("requirements", func(r *TramiteRecord) *[]string { return &r.Requirements }),
	textColumn("response_time", func(r *TramiteRecord) *string { return &r.ResponseTime }),
	boolColumn("has_payment", func(r *TramiteRecord) *bool { return &r.HasPayment }),
	costColumn("cost", func(r *TramiteRecord) **float64 { return &r.Cost }),
	textColumn("legal_basis", func(r *TramiteRecord) *string { return &r.LegalBasis }),
	textColumn("channel", func(r *TramiteRecord) *string { return &r.Channel }),
	textColumn("url", func(r *TramiteRecord) *string { return &r.URL }),
	textColumn("category", func(r *TramiteRecord) *string { return &r.Category }),
	textColumn("dependencia_code", func(r *TramiteRecord) *string { return &r.DependenciaCode }),
	textColumn("subdependencia_code", func(r *TramiteRecord) *string { return &r.SubdependenciaCode }),
	optionalBoolColumn("active", func(r *TramiteRecord) **bool { return &r.Active }),
}

var opaColumns = []column[OPARecord]{
	textColumn("code", func(r *OPARecord) *string { return &r.Code }),
	textColumn("name", func(r *OPARecord) *string { return &r.Name }),
	textColumn("description", func(r *OPARecord) *string { return &r.Description }),
	listColumn("requirements", func(r *OPARecord) *[]string { return &r.Requirements }),
	textColumn("response_time", func(r *OPARecord) *string { return &r.ResponseTime }),
	boolColumn("has_payment", func(r *OPARecord) *bool { return &r.HasPayment }),
	costColumn("cost", func(r *OPARecord) **float64 { return &r.Cost }),
	textColumn("dependencia_code", func(r *OPARecord) *string { return &r.DependenciaCode }),
	textColumn("subdependencia_code", func(r *OPARecord) *string { return &r.SubdependenciaCode }),
	optionalBoolColumn("active", func(r *OPARecord) **bool { return &r.Active }),
}

var faqColumns = []column[FAQRecord]{
	textColumn("question", func(r *FAQRecord) *string { return &r.Question }),
	textColumn("answer", func(r *FAQRecord) *string { return &r.Answer }),
	textColumn("topic", func(r *FAQRecord) *string { return &r.Topic }),
	listColumn("keywords", func(r *FAQRecord) *[]string { return &r.Keywords }),
	textColumn("dependencia_code", func(r *FAQRecord) *string { return &r.DependenciaCode }),
	textColumn("subdependencia_code", func(r *FAQRecord) *string { return &r.SubdependenciaCode }),
	intColumn("sort_order", func(r *FAQRecord) *int { return &r.SortOrder }),
	optionalBoolColumn("active", func(r *FAQRecord) **bool { return &r.Active }),
}

func columnNames[R any](cols []column[R]) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}

func activeOrDefault(p *bool) bool {
	if p == nil {
		return true
	}
	return *p
}
