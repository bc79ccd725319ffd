package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for catalog entities. The knowledge pipeline embeds
// these texts, so an unbounded field would inflate every chunk.
const (
	MaxCodeLen        = 32
	MaxNameLen        = 300
	MaxDescriptionLen = 16 * 1024
	MaxRequirementLen = 1000
	MaxRequirements   = 50
	MaxAnswerLen      = 16 * 1024
	MaxKeywords       = 30
)

// Dependencia is a top-level unit of the municipal administration
// (secretaría, departamento administrativo, oficina asesora).
type Dependencia struct {
	ID          uuid.UUID `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Acronym     string    `json:"acronym,omitempty"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Subdependencia is a unit nested under one Dependencia.
type Subdependencia struct {
	ID            uuid.UUID `json:"id"`
	DependenciaID uuid.UUID `json:"dependencia_id"`
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	Acronym       string    `json:"acronym,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Tramite is a regulated administrative procedure a citizen can request.
type Tramite struct {
	ID               uuid.UUID  `json:"id"`
	Code             string     `json:"code"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Requirements     []string   `json:"requirements"`
	ResponseTime     string     `json:"response_time,omitempty"`
	HasPayment       bool       `json:"has_payment"`
	Cost             *float64   `json:"cost,omitempty"`
	LegalBasis       string     `json:"legal_basis,omitempty"`
	Channel          string     `json:"channel,omitempty"`
	URL              string     `json:"url,omitempty"`
	Category         string     `json:"category,omitempty"`
	DependenciaID    uuid.UUID  `json:"dependencia_id"`
	SubdependenciaID *uuid.UUID `json:"subdependencia_id,omitempty"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// OPA (Otro Procedimiento Administrativo) is a non-regulated procedure,
// typically a payment authorization or certificate issued on request.
type OPA struct {
	ID               uuid.UUID  `json:"id"`
	Code             string     `json:"code"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Requirements     []string   `json:"requirements"`
	ResponseTime     string     `json:"response_time,omitempty"`
	HasPayment       bool       `json:"has_payment"`
	Cost             *float64   `json:"cost,omitempty"`
	DependenciaID    uuid.UUID  `json:"dependencia_id"`
	SubdependenciaID *uuid.UUID `json:"subdependencia_id,omitempty"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// FAQ is a frequently asked question published on the portal.
type FAQ struct {
	ID               uuid.UUID  `json:"id"`
	Question         string     `json:"question"`
	Answer           string     `json:"answer"`
	Topic            string     `json:"topic,omitempty"`
	Keywords         []string   `json:"keywords"`
	DependenciaID    *uuid.UUID `json:"dependencia_id,omitempty"`
	SubdependenciaID *uuid.UUID `json:"subdependencia_id,omitempty"`
	SortOrder        int        `json:"sort_order"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CatalogFilter narrows list queries over trámites, OPAs and FAQs.
type CatalogFilter struct {
	DependenciaID    *uuid.UUID
	SubdependenciaID *uuid.UUID
	Active           *bool
	Limit            int
	Offset           int
}

var codePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateCode checks that a catalog code is non-empty, at most MaxCodeLen
// characters, and made of letters, digits, dot, underscore or hyphen.
func ValidateCode(code string) error {
	if code == "" {
		return fmt.Errorf("code is required")
	}
	if len(code) > MaxCodeLen {
		return fmt.Errorf("code exceeds maximum length of %d characters", MaxCodeLen)
	}
	if !codePattern.MatchString(code) {
		return fmt.Errorf("code %q contains invalid characters", code)
	}
	return nil
}

func validateName(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > MaxNameLen {
		return fmt.Errorf("%s exceeds maximum length of %d characters", field, MaxNameLen)
	}
	return nil
}

func validateRequirements(reqs []string) error {
	if len(reqs) > MaxRequirements {
		return fmt.Errorf("requirements exceeds maximum of %d items", MaxRequirements)
	}
	for i, r := range reqs {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("requirements[%d] is empty", i)
		}
		if len(r) > MaxRequirementLen {
			return fmt.Errorf("requirements[%d] exceeds maximum length of %d characters", i, MaxRequirementLen)
		}
	}
	return nil
}

func validatePayment(hasPayment bool, cost *float64) error {
	if cost != nil && *cost < 0 {
		return fmt.Errorf("cost must not be negative")
	}
	if !hasPayment && cost != nil && *cost > 0 {
		return fmt.Errorf("cost is set but has_payment is false")
	}
	return nil
}

// Catalog writes are normalized before validation, on every write path, so
// that a stored row exports exactly as an import would have stored it:
// text is trimmed, list items are trimmed with blank ones dropped, and nil
// lists become empty.

// NormalizeDependencia returns d in canonical form.
func NormalizeDependencia(d Dependencia) Dependencia {
	d.Code = strings.TrimSpace(d.Code)
	d.Name = strings.TrimSpace(d.Name)
	d.Acronym = strings.TrimSpace(d.Acronym)
	d.Description = strings.TrimSpace(d.Description)
	return d
}

// NormalizeSubdependencia returns s in canonical form.
func NormalizeSubdependencia(s Subdependencia) Subdependencia {
	s.Code = strings.TrimSpace(s.Code)
	s.Name = strings.TrimSpace(s.Name)
	s.Acronym = strings.TrimSpace(s.Acronym)
	return s
}

// NormalizeTramite returns t in canonical form.
func NormalizeTramite(t Tramite) Tramite {
	t.Code = strings.TrimSpace(t.Code)
	t.Name = strings.TrimSpace(t.Name)
	t.Description = strings.TrimSpace(t.Description)
	t.Requirements = normalizeList(t.Requirements)
	t.ResponseTime = strings.TrimSpace(t.ResponseTime)
	t.LegalBasis = strings.TrimSpace(t.LegalBasis)
	t.Channel = strings.TrimSpace(t.Channel)
	t.URL = strings.TrimSpace(t.URL)
	t.Category = strings.TrimSpace(t.Category)
	return t
}

// NormalizeOPA returns o in canonical form.
func NormalizeOPA(o OPA) OPA {
	o.Code = strings.TrimSpace(o.Code)
	o.Name = strings.TrimSpace(o.Name)
	o.Description = strings.TrimSpace(o.Description)
	o.Requirements = normalizeList(o.Requirements)
	o.ResponseTime = strings.TrimSpace(o.ResponseTime)
	return o
}

// NormalizeFAQ returns f in canonical form.
func NormalizeFAQ(f FAQ) FAQ {
	f.Question = strings.TrimSpace(f.Question)
	f.Answer = strings.TrimSpace(f.Answer)
	f.Topic = strings.TrimSpace(f.Topic)
	f.Keywords = normalizeList(f.Keywords)
	return f
}

func normalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

// ValidateDependencia checks required fields on a dependencia.
func ValidateDependencia(d Dependencia) error {
	if err := ValidateCode(d.Code); err != nil {
		return err
	}
	if err := validateName("name", d.Name); err != nil {
		return err
	}
	if len(d.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	return nil
}

// ValidateSubdependencia checks required fields on a subdependencia.
func ValidateSubdependencia(s Subdependencia) error {
	if s.DependenciaID == uuid.Nil {
		return fmt.Errorf("dependencia_id is required")
	}
	if err := ValidateCode(s.Code); err != nil {
		return err
	}
	return validateName("name", s.Name)
}

// ValidateTramite checks required fields and limits on a trámite.
func ValidateTramite(t Tramite) error {
	if err := ValidateCode(t.Code); err != nil {
		return err
	}
	if err := validateName("name", t.Name); err != nil {
		return err
	}
	if len(t.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if t.DependenciaID == uuid.Nil {
		return fmt.Errorf("dependencia_id is required")
	}
	if err := validateRequirements(t.Requirements); err != nil {
		return err
	}
	if err := validatePayment(t.HasPayment, t.Cost); err != nil {
		return err
	}
	if t.URL != "" {
		if err := ValidatePublicURL(t.URL); err != nil {
			return fmt.Errorf("url: %w", err)
		}
	}
	return nil
}

// ValidateOPA checks required fields and limits on an OPA.
func ValidateOPA(o OPA) error {
	if err := ValidateCode(o.Code); err != nil {
		return err
	}
	if err := validateName("name", o.Name); err != nil {
		return err
	}
	if len(o.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if o.DependenciaID == uuid.Nil {
		return fmt.Errorf("dependencia_id is required")
	}
	if err := validateRequirements(o.Requirements); err != nil {
		return err
	}
	return validatePayment(o.HasPayment, o.Cost)
}

// ValidateFAQ checks required fields and limits on an FAQ.
func ValidateFAQ(f FAQ) error {
	if err := validateName("question", f.Question); err != nil {
		return err
	}
	if strings.TrimSpace(f.Answer) == "" {
		return fmt.Errorf("answer is required")
	}
	if len(f.Answer) > MaxAnswerLen {
		return fmt.Errorf("answer exceeds maximum length of %d bytes", MaxAnswerLen)
	}
	if len(f.Keywords) > MaxKeywords {
		return fmt.Errorf("keywords exceeds maximum of %d items", MaxKeywords)
	}
	if f.SubdependenciaID != nil && f.DependenciaID == nil {
		return fmt.Errorf("subdependencia_id requires dependencia_id")
	}
	return nil
}

// ValidatePublicURL ensures a link is an absolute http/https URL without
// embedded credentials. Citizens click these links from the portal.
func ValidatePublicURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("must not include credentials")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}
