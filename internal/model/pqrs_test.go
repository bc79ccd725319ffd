package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/model"
)

func validPQRSInput() model.PQRSInput {
	return model.PQRSInput{
		Kind:           model.PQRSPeticion,
		CitizenName:    "María Pérez",
		DocumentType:   "CC",
		DocumentNumber: "1032456789",
		Email:          "maria@example.com",
		Subject:        "Poda de árbol",
		Description:    "Solicito la poda del árbol frente a mi casa.",
	}
}

func TestValidatePQRSInput_HappyPath(t *testing.T) {
	assert.NoError(t, model.ValidatePQRSInput(validPQRSInput()))
}

func TestValidatePQRSInput_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.PQRSInput)
		field  string
	}{
		{"unknown kind", func(in *model.PQRSInput) { in.Kind = "felicitacion" }, "kind"},
		{"missing name", func(in *model.PQRSInput) { in.CitizenName = "" }, "citizen_name"},
		{"bad document type", func(in *model.PQRSInput) { in.DocumentType = "XX" }, "document_type"},
		{"document with dots", func(in *model.PQRSInput) { in.DocumentNumber = "1.032.456" }, "document_number"},
		{"bad email", func(in *model.PQRSInput) { in.Email = "not-an-email" }, "email"},
		{"display-name email", func(in *model.PQRSInput) { in.Email = "María <maria@example.com>" }, "email"},
		{"missing subject", func(in *model.PQRSInput) { in.Subject = " " }, "subject"},
		{"long description", func(in *model.PQRSInput) {
			in.Description = strings.Repeat("x", model.MaxPQRSDescriptionLen+1)
		}, "description"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validPQRSInput()
			tt.mutate(&in)
			err := model.ValidatePQRSInput(in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidatePQRSInput_EmailOptional(t *testing.T) {
	in := validPQRSInput()
	in.Email = ""
	assert.NoError(t, model.ValidatePQRSInput(in))
}

func TestPQRSOverdue(t *testing.T) {
	due := time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)
	p := model.PQRS{Status: model.PQRSEnTramite, DueAt: due}

	assert.False(t, p.Overdue(due.Add(-time.Hour)))
	assert.True(t, p.Overdue(due.Add(time.Hour)))

	p.Status = model.PQRSRespondida
	assert.False(t, p.Overdue(due.Add(time.Hour)), "answered requests are never overdue")
}

func TestPQRSTrackingOmitsCitizenData(t *testing.T) {
	p := model.PQRS{
		Filing:         "PQRS-2026-000001",
		Status:         model.PQRSRadicada,
		DocumentNumber: "123",
		Email:          "a@b.co",
		DueAt:          time.Now().Add(time.Hour),
	}
	tr := p.Tracking(time.Now())
	assert.Equal(t, "PQRS-2026-000001", tr.Filing)
	assert.False(t, tr.Overdue)
}
