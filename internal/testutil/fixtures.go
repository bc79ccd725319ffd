package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/storage"
)

// UniqueCode returns a catalog code with the given prefix that will not
// collide with codes from other tests sharing the database.
func UniqueCode(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// SeedDependencia creates an active dependencia.
func SeedDependencia(t *testing.T, db *storage.DB, name string) model.Dependencia {
	t.Helper()
	d, err := db.CreateDependencia(context.Background(), model.Dependencia{
		Code:   UniqueCode("D"),
		Name:   name,
		Active: true,
	})
	require.NoError(t, err)
	return d
}

// SeedSubdependencia creates an active subdependencia under dep.
func SeedSubdependencia(t *testing.T, db *storage.DB, dep model.Dependencia, name string) model.Subdependencia {
	t.Helper()
	s, err := db.CreateSubdependencia(context.Background(), model.Subdependencia{
		DependenciaID: dep.ID,
		Code:          UniqueCode("S"),
		Name:          name,
		Active:        true,
	})
	require.NoError(t, err)
	return s
}

// SeedTramite creates an active trámite under dep.
func SeedTramite(t *testing.T, db *storage.DB, dep model.Dependencia, name string, hasPayment bool) model.Tramite {
	t.Helper()
	tr, err := db.CreateTramite(context.Background(), model.Tramite{
		Code:          UniqueCode("T"),
		Name:          name,
		Description:   "Descripción de " + name,
		Requirements:  []string{"Documento de identidad"},
		HasPayment:    hasPayment,
		DependenciaID: dep.ID,
		Active:        true,
	})
	require.NoError(t, err)
	return tr
}

// SeedFAQ creates an active FAQ under dep.
func SeedFAQ(t *testing.T, db *storage.DB, dep model.Dependencia, question, answer string) model.FAQ {
	t.Helper()
	depID := dep.ID
	f, err := db.CreateFAQ(context.Background(), model.FAQ{
		Question:      question,
		Answer:        answer,
		DependenciaID: &depID,
		Active:        true,
	})
	require.NoError(t, err)
	return f
}
