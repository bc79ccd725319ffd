// Package pqrs handles citizen peticiones, quejas, reclamos, sugerencias and
// related requests: filing with legal due dates, public tracking and the
// administrative status workflow.
package pqrs

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/storage"
)

var (
	// ErrInvalidInput wraps validation failures of filings and responses.
	ErrInvalidInput = errors.New("pqrs: invalid input")

	// ErrInvalidTransition is returned for status changes the workflow does not allow.
	ErrInvalidTransition = errors.New("pqrs: invalid status transition")

	// ErrNotFound is returned when a filing does not exist or, for public
	// tracking, when the document number does not match.
	ErrNotFound = errors.New("pqrs: not found")
)

// ResponseDays is the legal response window of each kind, in business days.
var ResponseDays = map[model.PQRSKind]int{
	model.PQRSPeticion:    15,
	model.PQRSQueja:       15,
	model.PQRSReclamo:     15,
	model.PQRSSugerencia:  15,
	model.PQRSDenuncia:    15,
	model.PQRSConsulta:    30,
	model.PQRSInformacion: 10,
}

// transitions lists the statuses reachable from each status through
// Transition. respondida is reached only through Respond.
var transitions = map[model.PQRSStatus][]model.PQRSStatus{
	model.PQRSRadicada:   {model.PQRSEnTramite, model.PQRSCerrada},
	model.PQRSEnTramite:  {model.PQRSRespondida},
	model.PQRSRespondida: {model.PQRSCerrada},
}

// CanTransition reports whether the workflow allows from → to.
func CanTransition(from, to model.PQRSStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DefaultLocation is Colombia's civil time (UTC-5, no daylight saving).
var DefaultLocation = time.FixedZone("COT", -5*60*60)

// AddBusinessDays returns the end of the n-th business day (Monday to
// Friday) after from, in loc. The filing day itself is not counted.
func AddBusinessDays(from time.Time, n int, loc *time.Location) time.Time {
	d := from.In(loc)
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	for added := 0; added < n; {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc)
}

// Store persists filings. *storage.DB implements it.
type Store interface {
	CreatePQRS(ctx context.Context, p model.PQRS) (model.PQRS, error)
	GetPQRS(ctx context.Context, id uuid.UUID) (model.PQRS, error)
	GetPQRSByFiling(ctx context.Context, filing string) (model.PQRS, error)
	ListPQRS(ctx context.Context, f model.PQRSFilter) ([]model.PQRS, int, error)
	UpdatePQRSStatus(ctx context.Context, id uuid.UUID, from, to model.PQRSStatus) (model.PQRS, error)
	RespondPQRS(ctx context.Context, id uuid.UUID, from model.PQRSStatus, response string, at time.Time) (model.PQRS, error)
}

// Service implements the PQRS workflow.
type Service struct {
	store  Store
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the time zone used for due dates.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a PQRS service.
func New(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{store: store, logger: logger, loc: DefaultLocation, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DueDate computes the legal due date of a filing of kind made at filedAt.
func (s *Service) DueDate(kind model.PQRSKind, filedAt time.Time) time.Time {
	return AddBusinessDays(filedAt, ResponseDays[kind], s.loc)
}

// File validates and persists a new filing.
func (s *Service) File(ctx context.Context, in model.PQRSInput) (model.PQRS, error) {
	in.DocumentNumber = normalizeDocument(in.DocumentNumber)
	in.DocumentType = strings.ToUpper(strings.TrimSpace(in.DocumentType))
	in.Email = strings.TrimSpace(in.Email)
	if err := model.ValidatePQRSInput(in); err != nil {
		return model.PQRS{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	now := s.now().UTC()
	p, err := s.store.CreatePQRS(ctx, model.PQRS{
		Kind:           in.Kind,
		CitizenName:    strings.TrimSpace(in.CitizenName),
		DocumentType:   in.DocumentType,
		DocumentNumber: in.DocumentNumber,
		Email:          in.Email,
		Phone:          strings.TrimSpace(in.Phone),
		Subject:        strings.TrimSpace(in.Subject),
		Description:    strings.TrimSpace(in.Description),
		DependenciaID:  in.DependenciaID,
		DueAt:          s.DueDate(in.Kind, now).UTC(),
		CreatedAt:      now,
	})
	if err != nil {
		return model.PQRS{}, fmt.Errorf("pqrs: file: %w", err)
	}
	s.logger.Info("pqrs: filed", "filing", p.Filing, "kind", p.Kind, "due_at", p.DueAt)
	return p, nil
}

func normalizeDocument(n string) string {
	return strings.ToUpper(strings.TrimSpace(n))
}

// Track returns the public view of a filing. The document number must match
// the one given at filing; a mismatch is reported as ErrNotFound so filing
// numbers cannot be probed.
func (s *Service) Track(ctx context.Context, filing, documentNumber string) (model.PQRSTracking, error) {
	filing = strings.ToUpper(strings.TrimSpace(filing))
	p, err := s.store.GetPQRSByFiling(ctx, filing)
	if errors.Is(err, storage.ErrNotFound) {
		return model.PQRSTracking{}, ErrNotFound
	}
	if err != nil {
		return model.PQRSTracking{}, fmt.Errorf("pqrs: track: %w", err)
	}
	given := normalizeDocument(documentNumber)
	if given == "" || subtle.ConstantTimeCompare([]byte(given), []byte(normalizeDocument(p.DocumentNumber))) != 1 {
		return model.PQRSTracking{}, ErrNotFound
	}
	return p.Tracking(s.now()), nil
}

// Get returns a filing by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.PQRS, error) {
	p, err := s.store.GetPQRS(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.PQRS{}, ErrNotFound
	}
	if err != nil {
		return model.PQRS{}, fmt.Errorf("pqrs: get: %w", err)
	}
	return p, nil
}

// List returns filings matching f with the total count.
func (s *Service) List(ctx context.Context, f model.PQRSFilter) ([]model.PQRS, int, error) {
	items, total, err := s.store.ListPQRS(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("pqrs: list: %w", err)
	}
	return items, total, nil
}

// Transition moves a filing to status to. Responding goes through Respond.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to model.PQRSStatus) (model.PQRS, error) {
	if !to.Valid() {
		return model.PQRS{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}
	if to == model.PQRSRespondida {
		return model.PQRS{}, fmt.Errorf("%w: use respond to answer a filing", ErrInvalidTransition)
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return model.PQRS{}, err
	}
	if !CanTransition(p.Status, to) {
		return model.PQRS{}, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, p.Status, to)
	}
	updated, err := s.store.UpdatePQRSStatus(ctx, id, p.Status, to)
	if err != nil {
		return model.PQRS{}, fmt.Errorf("pqrs: transition: %w", err)
	}
	s.logger.Info("pqrs: status changed", "filing", p.Filing, "from", p.Status, "to", to)
	return updated, nil
}

// Respond records the official answer of a filing that is en_tramite.
func (s *Service) Respond(ctx context.Context, id uuid.UUID, response string) (model.PQRS, error) {
	response = strings.TrimSpace(response)
	switch {
	case response == "":
		return model.PQRS{}, fmt.Errorf("%w: response is required", ErrInvalidInput)
	case len(response) > model.MaxPQRSResponseLen:
		return model.PQRS{}, fmt.Errorf("%w: response exceeds %d characters", ErrInvalidInput, model.MaxPQRSResponseLen)
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return model.PQRS{}, err
	}
	if !CanTransition(p.Status, model.PQRSRespondida) {
		return model.PQRS{}, fmt.Errorf("%w: cannot respond a filing in status %s", ErrInvalidTransition, p.Status)
	}
	updated, err := s.store.RespondPQRS(ctx, id, p.Status, response, s.now().UTC())
	if err != nil {
		return model.PQRS{}, fmt.Errorf("pqrs: respond: %w", err)
	}
	s.logger.Info("pqrs: responded", "filing", p.Filing, "overdue", p.Overdue(s.now()))
	return updated, nil
}
