package pqrs_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/service/pqrs"
	"github.com/civica-gov/civica/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	seq  int64
	rows map[uuid.UUID]model.PQRS
}

func newMemStore() *memStore { return &memStore{rows: map[uuid.UUID]model.PQRS{}} }

func (m *memStore) CreatePQRS(_ context.Context, p model.PQRS) (model.PQRS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	p.ID = uuid.New()
	p.Status = model.PQRSRadicada
	p.Filing = storage.FormatFiling(p.CreatedAt.Year(), m.seq)
	p.UpdatedAt = p.CreatedAt
	m.rows[p.ID] = p
	return p, nil
}

func (m *memStore) GetPQRS(_ context.Context, id uuid.UUID) (model.PQRS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return model.PQRS{}, fmt.Errorf("get pqrs: %w", storage.ErrNotFound)
	}
	return p, nil
}

func (m *memStore) GetPQRSByFiling(_ context.Context, filing string) (model.PQRS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.Filing == filing {
			return p, nil
		}
	}
	return model.PQRS{}, fmt.Errorf("get pqrs: %w", storage.ErrNotFound)
}

func (m *memStore) ListPQRS(_ context.Context, f model.PQRSFilter) ([]model.PQRS, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PQRS
	for _, p := range m.rows {
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *memStore) UpdatePQRSStatus(_ context.Context, id uuid.UUID, from, to model.PQRSStatus) (model.PQRS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return model.PQRS{}, storage.ErrNotFound
	}
	if p.Status != from {
		return model.PQRS{}, storage.ErrStaleStatus
	}
	p.Status = to
	m.rows[id] = p
	return p, nil
}

func (m *memStore) RespondPQRS(_ context.Context, id uuid.UUID, from model.PQRSStatus, response string, at time.Time) (model.PQRS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return model.PQRS{}, storage.ErrNotFound
	}
	if p.Status != from {
		return model.PQRS{}, storage.ErrStaleStatus
	}
	p.Status = model.PQRSRespondida
	p.Response = response
	p.RespondedAt = &at
	m.rows[id] = p
	return p, nil
}

// Wednesday 2026-03-04 10:00 Bogotá.
var filedAt = time.Date(2026, 3, 4, 10, 0, 0, 0, pqrs.DefaultLocation)

func newService(t *testing.T, now *time.Time) (*pqrs.Service, *memStore) {
	t.Helper()
	store := newMemStore()
	svc := pqrs.New(store, slog.New(slog.NewTextHandler(io.Discard, nil)),
		pqrs.WithClock(func() time.Time { return *now }))
	return svc, store
}

func validInput() model.PQRSInput {
	return model.PQRSInput{
		Kind:           model.PQRSPeticion,
		CitizenName:    "Ana María Ríos",
		DocumentType:   "cc",
		DocumentNumber: " 1032456789 ",
		Email:          "ana@example.co",
		Subject:        "Estado del alumbrado público",
		Description:    "La luminaria de la calle 10 lleva un mes apagada.",
	}
}

func TestAddBusinessDays(t *testing.T) {
	loc := pqrs.DefaultLocation
	tests := []struct {
		name string
		from time.Time
		n    int
		want time.Time
	}{
		{"wednesday plus 1", filedAt, 1, time.Date(2026, 3, 5, 23, 59, 59, 0, loc)},
		{"wednesday plus 3 skips weekend", filedAt, 3, time.Date(2026, 3, 9, 23, 59, 59, 0, loc)},
		{"friday plus 1 is monday", time.Date(2026, 3, 6, 16, 0, 0, 0, loc), 1, time.Date(2026, 3, 9, 23, 59, 59, 0, loc)},
		{"saturday plus 1 is monday", time.Date(2026, 3, 7, 9, 0, 0, 0, loc), 1, time.Date(2026, 3, 9, 23, 59, 59, 0, loc)},
		{"fifteen days is three weeks", filedAt, 15, time.Date(2026, 3, 25, 23, 59, 59, 0, loc)},
		{"zero is end of filing day", filedAt, 0, time.Date(2026, 3, 4, 23, 59, 59, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pqrs.AddBusinessDays(tt.from, tt.n, loc)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestAddBusinessDaysUsesLocalDate(t *testing.T) {
	// 03:00 UTC Thursday is still Wednesday evening in Bogotá.
	from := time.Date(2026, 3, 5, 3, 0, 0, 0, time.UTC)
	got := pqrs.AddBusinessDays(from, 1, pqrs.DefaultLocation)
	assert.Equal(t, 5, got.Day())
}

func TestDueDateByKind(t *testing.T) {
	now := filedAt
	svc, _ := newService(t, &now)
	assert.Equal(t, 25, svc.DueDate(model.PQRSQueja, filedAt).Day())
	assert.Equal(t, time.April, svc.DueDate(model.PQRSConsulta, filedAt).Month())
	assert.Equal(t, 15, svc.DueDate(model.PQRSConsulta, filedAt).Day())
	assert.Equal(t, 18, svc.DueDate(model.PQRSInformacion, filedAt).Day())
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]model.PQRSStatus{
		{model.PQRSRadicada, model.PQRSEnTramite},
		{model.PQRSRadicada, model.PQRSCerrada},
		{model.PQRSEnTramite, model.PQRSRespondida},
		{model.PQRSRespondida, model.PQRSCerrada},
	}
	for _, p := range allowed {
		assert.True(t, pqrs.CanTransition(p[0], p[1]), "%s → %s", p[0], p[1])
	}
	denied := [][2]model.PQRSStatus{
		{model.PQRSRadicada, model.PQRSRespondida},
		{model.PQRSEnTramite, model.PQRSRadicada},
		{model.PQRSEnTramite, model.PQRSCerrada},
		{model.PQRSCerrada, model.PQRSRadicada},
		{model.PQRSRespondida, model.PQRSEnTramite},
	}
	for _, p := range denied {
		assert.False(t, pqrs.CanTransition(p[0], p[1]), "%s → %s", p[0], p[1])
	}
}

func TestFile(t *testing.T) {
	now := filedAt
	svc, _ := newService(t, &now)

	p, err := svc.File(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, model.PQRSRadicada, p.Status)
	assert.Equal(t, "PQRS-2026-000001", p.Filing)
	assert.Equal(t, "CC", p.DocumentType)
	assert.Equal(t, "1032456789", p.DocumentNumber)
	assert.Equal(t, time.UTC, p.DueAt.Location())
	assert.True(t, svc.DueDate(model.PQRSPeticion, filedAt).Equal(p.DueAt))
}

func TestFileRejectsInvalidInput(t *testing.T) {
	now := filedAt
	svc, _ := newService(t, &now)

	in := validInput()
	in.Subject = "  "
	_, err := svc.File(context.Background(), in)
	require.ErrorIs(t, err, pqrs.ErrInvalidInput)
	assert.Contains(t, err.Error(), "subject")
}

func TestTrack(t *testing.T) {
	now := filedAt
	svc, _ := newService(t, &now)
	ctx := context.Background()

	p, err := svc.File(ctx, validInput())
	require.NoError(t, err)

	tr, err := svc.Track(ctx, strings.ToLower(p.Filing), "1032456789")
	require.NoError(t, err)
	assert.Equal(t, p.Filing, tr.Filing)
	assert.False(t, tr.Overdue)

	_, err = svc.Track(ctx, p.Filing, "999")
	assert.ErrorIs(t, err, pqrs.ErrNotFound)
	_, err = svc.Track(ctx, p.Filing, "")
	assert.ErrorIs(t, err, pqrs.ErrNotFound)
	_, err = svc.Track(ctx, "PQRS-2026-999999", "1032456789")
	assert.ErrorIs(t, err, pqrs.ErrNotFound)
}

func TestTrackReportsOverdue(t *testing.T) {
	now := filedAt
	svc, _ := newService(t, &now)
	ctx := context.Background()

	p, err := svc.File(ctx, validInput())
	require.NoError(t, err)

	now = p.DueAt.Add(time.Hour)
	tr, err := svc.Track(ctx, p.Filing, "1032456789")
	require.NoError(t, err)
	assert.True(t, tr.Overdue)
}

func TestWorkflow(t *testing.T) {
	now := filedAt
	svc, _ := newService(t, &now)
	ctx := context.Background()

	p, err := svc.File(ctx, validInput())
	require.NoError(t, err)

	_, err = svc.Respond(ctx, p.ID, "Respuesta")
	require.ErrorIs(t, err, pqrs.ErrInvalidTransition, "radicada cannot be answered directly")

	_, err = svc.Transition(ctx, p.ID, model.PQRSRespondida)
	require.ErrorIs(t, err, pqrs.ErrInvalidTransition)

	p, err = svc.Transition(ctx, p.ID, model.PQRSEnTramite)
	require.NoError(t, err)
	assert.Equal(t, model.PQRSEnTramite, p.Status)

	_, err = svc.Respond(ctx, p.ID, "   ")
	require.ErrorIs(t, err, pqrs.ErrInvalidInput)

	now = filedAt.Add(48 * time.Hour)
	p, err = svc.Respond(ctx, p.ID, "La luminaria fue reparada el 5 de marzo.")
	require.NoError(t, err)
	assert.Equal(t, model.PQRSRespondida, p.Status)
	require.NotNil(t, p.RespondedAt)
	assert.True(t, p.RespondedAt.Equal(now.UTC()))

	p, err = svc.Transition(ctx, p.ID, model.PQRSCerrada)
	require.NoError(t, err)
	assert.Equal(t, model.PQRSCerrada, p.Status)

	_, err = svc.Transition(ctx, p.ID, model.PQRSEnTramite)
	assert.ErrorIs(t, err, pqrs.ErrInvalidTransition)
}

func TestTransitionDesistimiento(t *testing.T) {
	now := filedAt
	svc, _ := newService(t, &now)
	ctx := context.Background()

	p, err := svc.File(ctx, validInput())
	require.NoError(t, err)
	p, err = svc.Transition(ctx, p.ID, model.PQRSCerrada)
	require.NoError(t, err)
	assert.Equal(t, model.PQRSCerrada, p.Status)
}

func TestTransitionErrors(t *testing.T) {
	now := filedAt
	svc, _ := newService(t, &now)
	ctx := context.Background()

	_, err := svc.Transition(ctx, uuid.New(), model.PQRSEnTramite)
	assert.ErrorIs(t, err, pqrs.ErrNotFound)

	_, err = svc.Transition(ctx, uuid.New(), model.PQRSStatus("archivada"))
	assert.ErrorIs(t, err, pqrs.ErrInvalidInput)

	_, err = svc.Respond(ctx, uuid.New(), strings.Repeat("x", model.MaxPQRSResponseLen+1))
	assert.ErrorIs(t, err, pqrs.ErrInvalidInput)
}

func TestList(t *testing.T) {
	now := filedAt
	svc, _ := newService(t, &now)
	ctx := context.Background()

	for range 3 {
		_, err := svc.File(ctx, validInput())
		require.NoError(t, err)
	}
	items, total, err := svc.List(ctx, model.PQRSFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, items, 3)
}
