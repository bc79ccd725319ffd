package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/google/uuid"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/storage"
)

// rowProblem is a row-level failure found while planning an import.
type rowProblem struct {
	field string
	msg   string
}

func (p rowProblem) Error() string { return p.msg }

func problem(field, format string, args ...any) error {
	return rowProblem{field: field, msg: fmt.Sprintf(format, args...)}
}

// validation turns a model validation error into a row problem, guessing the
// field from the leading word of the message.
func validation(err error) error {
	msg := err.Error()
	field, _, _ := strings.Cut(msg, " ")
	field = strings.TrimSuffix(field, ":")
	return rowProblem{field: field, msg: msg}
}

// action is the planned effect of one row.
type action struct {
	update bool
	write  func(ctx context.Context, tx *storage.Tx) error
}

// errRollback aborts the import transaction without reporting a failure.
var errRollback = errors.New("transfer: rollback")

// Import reads a file of entity rows and applies it to the catalog. Every
// row is validated and its references resolved before anything is written;
// if any row fails, or opts.DryRun is set, the transaction is rolled back
// and the report describes what would have happened.
func (x *Service) Import(ctx context.Context, entity Entity, format Format, r io.Reader, opts Options) (Report, error) {
	if opts.Mode == "" {
		opts.Mode = ModeUpsert
	}
	if opts.Mode != ModeUpsert && opts.Mode != ModeCreate {
		return Report{}, fmt.Errorf("%w: mode %q", ErrUnsupported, opts.Mode)
	}

	var plan func(ctx context.Context, tx *storage.Tx, rep *Report) ([]action, error)
	var err error
	switch entity {
	case EntityDependencias:
		plan, err = planner(format, r, dependenciaColumns, opts, planDependencia)
	case EntitySubdependencias:
		plan, err = planner(format, r, subdependenciaColumns, opts, planSubdependencia)
	case EntityTramites:
		plan, err = planner(format, r, tramiteColumns, opts, planTramite)
	case EntityOPAs:
		plan, err = planner(format, r, opaColumns, opts, planOPA)
	case EntityFAQs:
		plan, err = planner(format, r, faqColumns, opts, planFAQ)
	default:
		return Report{}, fmt.Errorf("%w: cannot import entity %q", ErrUnsupported, entity)
	}
	if err != nil {
		return Report{}, err
	}

	var rep Report
	err = x.db.WithTx(ctx, func(tx *storage.Tx) error {
		rep = Report{Entity: entity, DryRun: opts.DryRun, Errors: []RowError{}}
		actions, err := plan(ctx, tx, &rep)
		if err != nil {
			return err
		}
		if opts.DryRun || len(rep.Errors) > 0 {
			return errRollback
		}
		for _, a := range actions {
			if err := a.write(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errRollback) {
		return Report{}, fmt.Errorf("transfer: import %s: %w", entity, err)
	}
	x.logger.Info("transfer: import finished",
		"entity", entity, "format", format, "mode", opts.Mode, "dry_run", opts.DryRun,
		"total", rep.Total, "created", rep.Created, "updated", rep.Updated,
		"skipped", rep.Skipped, "errors", len(rep.Errors))
	return rep, nil
}

// planFunc plans one record. It returns a nil action for unchanged rows.
type planFunc[R any] func(ctx context.Context, res *resolver, rec R, mode Mode) (*action, error)

// planner decodes the input up front and returns a function that plans
// every record inside the import transaction.
func planner[R any](format Format, r io.Reader, cols []column[R], opts Options, fn planFunc[R]) (
	func(ctx context.Context, tx *storage.Tx, rep *Report) ([]action, error), error,
) {
	recs, parseErrs, err := decode(format, r, cols)
	if err != nil {
		return nil, err
	}
	failed := make(map[int]bool, len(parseErrs))
	for _, e := range parseErrs {
		failed[e.Row] = true
	}

	return func(ctx context.Context, tx *storage.Tx, rep *Report) ([]action, error) {
		rep.Total = len(recs)
		rep.Errors = append(rep.Errors, parseErrs...)
		res := newResolver(tx)
		var actions []action
		for i, rec := range recs {
			row := i + 1
			if failed[row] {
				continue
			}
			a, err := fn(ctx, res, rec, opts.Mode)
			var p rowProblem
			switch {
			case errors.As(err, &p):
				rep.Errors = append(rep.Errors, RowError{Row: row, Field: p.field, Message: p.msg})
				continue
			case err != nil:
				return nil, fmt.Errorf("row %d: %w", row, err)
			}
			switch {
			case a == nil:
				rep.Skipped++
			case a.update:
				rep.Updated++
				actions = append(actions, *a)
			default:
				rep.Created++
				actions = append(actions, *a)
			}
		}
		return actions, nil
	}, nil
}

// resolver looks up rows by natural key inside the import transaction and
// remembers which keys the file has already used.
type resolver struct {
	tx   *storage.Tx
	deps map[string]*model.Dependencia
	subs map[string]*model.Subdependencia
	seen map[string]bool
}

func newResolver(tx *storage.Tx) *resolver {
	return &resolver{
		tx:   tx,
		deps: map[string]*model.Dependencia{},
		subs: map[string]*model.Subdependencia{},
		seen: map[string]bool{},
	}
}

// claim marks a key as used by the file. A second row with the same key is
// an error: the result would depend on row order.
func (r *resolver) claim(field, key string) error {
	k := field + "\x00" + key
	if r.seen[k] {
		return problem(field, "%s %q appears more than once in the file", field, key)
	}
	r.seen[k] = true
	return nil
}

func (r *resolver) dependencia(ctx context.Context, code string) (*model.Dependencia, error) {
	if d, ok := r.deps[code]; ok {
		return d, nil
	}
	d, err := r.tx.GetDependenciaByCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		r.deps[code] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.deps[code] = &d
	return &d, nil
}

func (r *resolver) subdependencia(ctx context.Context, depID uuid.UUID, code string) (*model.Subdependencia, error) {
	key := depID.String() + "/" + code
	if s, ok := r.subs[key]; ok {
		return s, nil
	}
	s, err := r.tx.GetSubdependenciaByCode(ctx, depID, code)
	if errors.Is(err, storage.ErrNotFound) {
		r.subs[key] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.subs[key] = &s
	return &s, nil
}

// references resolves the dependencia_code and subdependencia_code columns.
// An empty dependencia code yields nil when optional is set.
func (r *resolver) references(ctx context.Context, depCode, subCode string, optional bool) (*uuid.UUID, *uuid.UUID, error) {
	depCode, subCode = strings.TrimSpace(depCode), strings.TrimSpace(subCode)
	if depCode == "" {
		if subCode != "" {
			return nil, nil, problem("subdependencia_code", "subdependencia_code requires dependencia_code")
		}
		if optional {
			return nil, nil, nil
		}
		return nil, nil, problem("dependencia_code", "dependencia_code is required")
	}
	dep, err := r.dependencia(ctx, depCode)
	if err != nil {
		return nil, nil, err
	}
	if dep == nil {
		return nil, nil, problem("dependencia_code", "dependencia %q does not exist", depCode)
	}
	depID := dep.ID
	if subCode == "" {
		return &depID, nil, nil
	}
	sub, err := r.subdependencia(ctx, dep.ID, subCode)
	if err != nil {
		return nil, nil, err
	}
	if sub == nil {
		return nil, nil, problem("subdependencia_code", "subdependencia %q does not exist under dependencia %q", subCode, depCode)
	}
	subID := sub.ID
	return &depID, &subID, nil
}

func existsInCreateMode(mode Mode, field, key string) error {
	if mode == ModeCreate {
		return problem(field, "%s %q already exists", field, key)
	}
	return nil
}

func planDependencia(ctx context.Context, res *resolver, rec DependenciaRecord, mode Mode) (*action, error) {
	d := model.Dependencia{
		Code:        strings.TrimSpace(rec.Code),
		Name:        strings.TrimSpace(rec.Name),
		Acronym:     strings.TrimSpace(rec.Acronym),
		Description: rec.Description,
		Active:      activeOrDefault(rec.Active),
	}
	d = model.NormalizeDependencia(d)
	if err := model.ValidateDependencia(d); err != nil {
		return nil, validation(err)
	}
	if err := res.claim("code", d.Code); err != nil {
		return nil, err
	}
	existing, err := res.dependencia(ctx, d.Code)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return &action{write: func(ctx context.Context, tx *storage.Tx) error {
			_, err := tx.CreateDependencia(ctx, d)
			return err
		}}, nil
	}
	if err := existsInCreateMode(mode, "code", d.Code); err != nil {
		return nil, err
	}
	d.ID, d.CreatedAt, d.UpdatedAt = existing.ID, existing.CreatedAt, existing.UpdatedAt
	if d == *existing {
		return nil, nil
	}
	return &action{update: true, write: func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.UpdateDependencia(ctx, d)
		return err
	}}, nil
}

func planSubdependencia(ctx context.Context, res *resolver, rec SubdependenciaRecord, mode Mode) (*action, error) {
	depID, _, err := res.references(ctx, rec.DependenciaCode, "", false)
	if err != nil {
		return nil, err
	}
	s := model.Subdependencia{
		DependenciaID: *depID,
		Code:          strings.TrimSpace(rec.Code),
		Name:          strings.TrimSpace(rec.Name),
		Acronym:       strings.TrimSpace(rec.Acronym),
		Active:        activeOrDefault(rec.Active),
	}
	s = model.NormalizeSubdependencia(s)
	if err := model.ValidateSubdependencia(s); err != nil {
		return nil, validation(err)
	}
	if err := res.claim("code", strings.TrimSpace(rec.DependenciaCode)+"/"+s.Code); err != nil {
		return nil, err
	}
	existing, err := res.subdependencia(ctx, s.DependenciaID, s.Code)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return &action{write: func(ctx context.Context, tx *storage.Tx) error {
			_, err := tx.CreateSubdependencia(ctx, s)
			return err
		}}, nil
	}
	if err := existsInCreateMode(mode, "code", s.Code); err != nil {
		return nil, err
	}
	s.ID, s.CreatedAt, s.UpdatedAt = existing.ID, existing.CreatedAt, existing.UpdatedAt
	if s == *existing {
		return nil, nil
	}
	return &action{update: true, write: func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.UpdateSubdependencia(ctx, s)
		return err
	}}, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func planTramite(ctx context.Context, res *resolver, rec TramiteRecord, mode Mode) (*action, error) {
	depID, subID, err := res.references(ctx, rec.DependenciaCode, rec.SubdependenciaCode, false)
	if err != nil {
		return nil, err
	}
	t := model.Tramite{
		Code:             strings.TrimSpace(rec.Code),
		Name:             strings.TrimSpace(rec.Name),
		Description:      rec.Description,
		Requirements:     emptyIfNil(rec.Requirements),
		ResponseTime:     rec.ResponseTime,
		HasPayment:       rec.HasPayment,
		Cost:             rec.Cost,
		LegalBasis:       rec.LegalBasis,
		Channel:          rec.Channel,
		URL:              strings.TrimSpace(rec.URL),
		Category:         rec.Category,
		DependenciaID:    *depID,
		SubdependenciaID: subID,
		Active:           activeOrDefault(rec.Active),
	}
	t = model.NormalizeTramite(t)
	if err := model.ValidateTramite(t); err != nil {
		return nil, validation(err)
	}
	if err := res.claim("code", t.Code); err != nil {
		return nil, err
	}
	existing, err := res.tx.GetTramiteByCode(ctx, t.Code)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &action{write: func(ctx context.Context, tx *storage.Tx) error {
			_, err := tx.CreateTramite(ctx, t)
			return err
		}}, nil
	case err != nil:
		return nil, err
	}
	if err := existsInCreateMode(mode, "code", t.Code); err != nil {
		return nil, err
	}
	t.ID, t.CreatedAt, t.UpdatedAt = existing.ID, existing.CreatedAt, existing.UpdatedAt
	existing.Requirements = emptyIfNil(existing.Requirements)
	if reflect.DeepEqual(t, existing) {
		return nil, nil
	}
	return &action{update: true, write: func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.UpdateTramite(ctx, t)
		return err
	}}, nil
}

func planOPA(ctx context.Context, res *resolver, rec OPARecord, mode Mode) (*action, error) {
	depID, subID, err := res.references(ctx, rec.DependenciaCode, rec.SubdependenciaCode, false)
	if err != nil {
		return nil, err
	}
	o := model.OPA{
		Code:             strings.TrimSpace(rec.Code),
		Name:             strings.TrimSpace(rec.Name),
		Description:      rec.Description,
		Requirements:     emptyIfNil(rec.Requirements),
		ResponseTime:     rec.ResponseTime,
		HasPayment:       rec.HasPayment,
		Cost:             rec.Cost,
		DependenciaID:    *depID,
		SubdependenciaID: subID,
		Active:           activeOrDefault(rec.Active),
	}
	o = model.NormalizeOPA(o)
	if err := model.ValidateOPA(o); err != nil {
		return nil, validation(err)
	}
	if err := res.claim("code", o.Code); err != nil {
		return nil, err
	}
	existing, err := res.tx.GetOPAByCode(ctx, o.Code)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &action{write: func(ctx context.Context, tx *storage.Tx) error {
			_, err := tx.CreateOPA(ctx, o)
			return err
		}}, nil
	case err != nil:
		return nil, err
	}
	if err := existsInCreateMode(mode, "code", o.Code); err != nil {
		return nil, err
	}
	o.ID, o.CreatedAt, o.UpdatedAt = existing.ID, existing.CreatedAt, existing.UpdatedAt
	existing.Requirements = emptyIfNil(existing.Requirements)
	if reflect.DeepEqual(o, existing) {
		return nil, nil
	}
	return &action{update: true, write: func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.UpdateOPA(ctx, o)
		return err
	}}, nil
}

func planFAQ(ctx context.Context, res *resolver, rec FAQRecord, mode Mode) (*action, error) {
	depID, subID, err := res.references(ctx, rec.DependenciaCode, rec.SubdependenciaCode, true)
	if err != nil {
		return nil, err
	}
	f := model.FAQ{
		Question:         strings.TrimSpace(rec.Question),
		Answer:           rec.Answer,
		Topic:            rec.Topic,
		Keywords:         emptyIfNil(rec.Keywords),
		DependenciaID:    depID,
		SubdependenciaID: subID,
		SortOrder:        rec.SortOrder,
		Active:           activeOrDefault(rec.Active),
	}
	f = model.NormalizeFAQ(f)
	if err := model.ValidateFAQ(f); err != nil {
		return nil, validation(err)
	}
	if err := res.claim("question", f.Question); err != nil {
		return nil, err
	}
	existing, err := res.tx.GetFAQByQuestion(ctx, f.Question)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &action{write: func(ctx context.Context, tx *storage.Tx) error {
			_, err := tx.CreateFAQ(ctx, f)
			return err
		}}, nil
	case err != nil:
		return nil, err
	}
	if err := existsInCreateMode(mode, "question", f.Question); err != nil {
		return nil, err
	}
	f.ID, f.CreatedAt, f.UpdatedAt = existing.ID, existing.CreatedAt, existing.UpdatedAt
	existing.Keywords = emptyIfNil(existing.Keywords)
	if reflect.DeepEqual(f, existing) {
		return nil, nil
	}
	return &action{update: true, write: func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.UpdateFAQ(ctx, f)
		return err
	}}, nil
}
