package model

import (
	"time"

	"github.com/google/uuid"
)

// ServiceType discriminates the rows of the unified services listing.
type ServiceType string

const (
	ServiceTramite ServiceType = "tramite"
	ServiceOPA     ServiceType = "opa"
	ServiceFAQ     ServiceType = "faq"
)

// AllServiceTypes lists every service type in display order.
var AllServiceTypes = []ServiceType{ServiceTramite, ServiceOPA, ServiceFAQ}

// Valid reports whether t is a known service type.
func (t ServiceType) Valid() bool {
	switch t {
	case ServiceTramite, ServiceOPA, ServiceFAQ:
		return true
	}
	return false
}

// ServiceItem is one row of the unified services listing. Trámites, OPAs
// and FAQs are all projected onto this shape. For FAQs, Name carries the
// question and Description the answer; Code is empty.
type ServiceItem struct {
	Type               ServiceType `json:"type"`
	ID                 uuid.UUID   `json:"id"`
	Code               string      `json:"code,omitempty"`
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	Keywords           []string    `json:"keywords,omitempty"`
	DependenciaID      *uuid.UUID  `json:"dependencia_id,omitempty"`
	DependenciaName    string      `json:"dependencia_name,omitempty"`
	SubdependenciaID   *uuid.UUID  `json:"subdependencia_id,omitempty"`
	SubdependenciaName string      `json:"subdependencia_name,omitempty"`
	HasPayment         bool        `json:"has_payment"`
	Active             bool        `json:"active"`
	UpdatedAt          time.Time   `json:"updated_at"`
	Score              float64     `json:"score,omitempty"`
}

// ServiceCounts holds per-type totals after filtering.
type ServiceCounts struct {
	Tramite int `json:"tramite"`
	OPA     int `json:"opa"`
	FAQ     int `json:"faq"`
	Total   int `json:"total"`
}
