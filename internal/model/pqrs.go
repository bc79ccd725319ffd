package model

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PQRSKind is the legal category of a citizen request.
type PQRSKind string

const (
	PQRSPeticion    PQRSKind = "peticion"
	PQRSQueja       PQRSKind = "queja"
	PQRSReclamo     PQRSKind = "reclamo"
	PQRSSugerencia  PQRSKind = "sugerencia"
	PQRSDenuncia    PQRSKind = "denuncia"
	PQRSConsulta    PQRSKind = "consulta"
	PQRSInformacion PQRSKind = "informacion"
)

// Valid reports whether k is a known kind.
func (k PQRSKind) Valid() bool {
	switch k {
	case PQRSPeticion, PQRSQueja, PQRSReclamo, PQRSSugerencia, PQRSDenuncia, PQRSConsulta, PQRSInformacion:
		return true
	}
	return false
}

// PQRSStatus is the lifecycle state of a filed request.
type PQRSStatus string

const (
	PQRSRadicada   PQRSStatus = "radicada"
	PQRSEnTramite  PQRSStatus = "en_tramite"
	PQRSRespondida PQRSStatus = "respondida"
	PQRSCerrada    PQRSStatus = "cerrada"
)

// Valid reports whether s is a known status.
func (s PQRSStatus) Valid() bool {
	switch s {
	case PQRSRadicada, PQRSEnTramite, PQRSRespondida, PQRSCerrada:
		return true
	}
	return false
}

// Document types accepted for citizen identification.
var DocumentTypes = map[string]bool{
	"CC":  true, // cédula de ciudadanía
	"CE":  true, // cédula de extranjería
	"TI":  true, // tarjeta de identidad
	"PA":  true, // pasaporte
	"NIT": true,
	"PPT": true, // permiso por protección temporal
}

// PQRS is a filed petición, queja, reclamo, sugerencia or related request.
type PQRS struct {
	ID             uuid.UUID  `json:"id"`
	Filing         string     `json:"filing"`
	Kind           PQRSKind   `json:"kind"`
	Status         PQRSStatus `json:"status"`
	CitizenName    string     `json:"citizen_name"`
	DocumentType   string     `json:"document_type"`
	DocumentNumber string     `json:"document_number"`
	Email          string     `json:"email,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Subject        string     `json:"subject"`
	Description    string     `json:"description"`
	DependenciaID  *uuid.UUID `json:"dependencia_id,omitempty"`
	Response       string     `json:"response,omitempty"`
	DueAt          time.Time  `json:"due_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Overdue reports whether the request is past its legal due date without an
// answer.
func (p PQRS) Overdue(now time.Time) bool {
	if p.Status == PQRSRespondida || p.Status == PQRSCerrada {
		return false
	}
	return now.After(p.DueAt)
}

// PQRSTracking is the subset of a PQRS shown to the citizen who filed it.
type PQRSTracking struct {
	Filing      string     `json:"filing"`
	Kind        PQRSKind   `json:"kind"`
	Status      PQRSStatus `json:"status"`
	Subject     string     `json:"subject"`
	Response    string     `json:"response,omitempty"`
	DueAt       time.Time  `json:"due_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Overdue     bool       `json:"overdue"`
}

// Tracking projects p to its public view.
func (p PQRS) Tracking(now time.Time) PQRSTracking {
	return PQRSTracking{
		Filing:      p.Filing,
		Kind:        p.Kind,
		Status:      p.Status,
		Subject:     p.Subject,
		Response:    p.Response,
		DueAt:       p.DueAt,
		RespondedAt: p.RespondedAt,
		CreatedAt:   p.CreatedAt,
		Overdue:     p.Overdue(now),
	}
}

// PQRSInput is the body of a citizen filing.
type PQRSInput struct {
	Kind           PQRSKind   `json:"kind"`
	CitizenName    string     `json:"citizen_name"`
	DocumentType   string     `json:"document_type"`
	DocumentNumber string     `json:"document_number"`
	Email          string     `json:"email,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Subject        string     `json:"subject"`
	Description    string     `json:"description"`
	DependenciaID  *uuid.UUID `json:"dependencia_id,omitempty"`
}

// PQRSFilter narrows admin listings.
type PQRSFilter struct {
	Status        *PQRSStatus
	Kind          *PQRSKind
	DependenciaID *uuid.UUID
	OverdueAt     *time.Time
	Limit         int
	Offset        int
}

// PQRSStatusRequest is the body of POST /v1/admin/pqrs/{id}/status.
type PQRSStatusRequest struct {
	Status PQRSStatus `json:"status"`
}

// PQRSRespondRequest is the body of POST /v1/admin/pqrs/{id}/respond.
type PQRSRespondRequest struct {
	Response string `json:"response"`
}

const (
	MaxSubjectLen         = 300
	MaxPQRSDescriptionLen = 10000
	MaxPQRSResponseLen    = 20000
	MaxDocumentNumberLen  = 20
	MaxCitizenNameLen     = 200
)

// ValidatePQRSInput checks a citizen filing before it is persisted.
func ValidatePQRSInput(in PQRSInput) error {
	if !in.Kind.Valid() {
		return fmt.Errorf("kind %q is not valid", in.Kind)
	}
	if err := validateBounded("citizen_name", in.CitizenName, MaxCitizenNameLen); err != nil {
		return err
	}
	if !DocumentTypes[strings.ToUpper(in.DocumentType)] {
		return fmt.Errorf("document_type %q is not valid", in.DocumentType)
	}
	if err := validateBounded("document_number", in.DocumentNumber, MaxDocumentNumberLen); err != nil {
		return err
	}
	for _, r := range in.DocumentNumber {
		if !(r >= '0' && r <= '9') && !(r >= 'A' && r <= 'Z') && !(r >= 'a' && r <= 'z') {
			return fmt.Errorf("document_number must be alphanumeric")
		}
	}
	if in.Email != "" {
		addr, err := mail.ParseAddress(in.Email)
		if err != nil || addr.Address != in.Email {
			return fmt.Errorf("email %q is not a valid address", in.Email)
		}
	}
	if err := validateBounded("subject", in.Subject, MaxSubjectLen); err != nil {
		return err
	}
	return validateBounded("description", in.Description, MaxPQRSDescriptionLen)
}

func validateBounded(field, v string, max int) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > max {
		return fmt.Errorf("%s exceeds maximum length of %d characters", field, max)
	}
	return nil
}
