package transfer

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/civica-gov/civica/internal/model"
)

// catalogCodes maps ids to their portable codes.
type catalogCodes struct {
	deps map[uuid.UUID]string
	subs map[uuid.UUID]string
}

func (x *Service) loadCodes(ctx context.Context) (catalogCodes, []model.Dependencia, []model.Subdependencia, error) {
	deps, err := x.db.ListDependencias(ctx, false)
	if err != nil {
		return catalogCodes{}, nil, nil, err
	}
	subs, err := x.db.ListSubdependencias(ctx, nil, false)
	if err != nil {
		return catalogCodes{}, nil, nil, err
	}
	codes := catalogCodes{deps: make(map[uuid.UUID]string, len(deps)), subs: make(map[uuid.UUID]string, len(subs))}
	for _, d := range deps {
		codes.deps[d.ID] = d.Code
	}
	for _, s := range subs {
		codes.subs[s.ID] = s.Code
	}
	return codes, deps, subs, nil
}

func (c catalogCodes) sub(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return c.subs[*id]
}

func (c catalogCodes) dep(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return c.deps[*id]
}

func boolPtr(b bool) *bool { return &b }

// records holds every entity in portable form.
type records struct {
	dependencias    []DependenciaRecord
	subdependencias []SubdependenciaRecord
	tramites        []TramiteRecord
	opas            []OPARecord
	faqs            []FAQRecord
}

func (x *Service) load(ctx context.Context, entity Entity) (records, error) {
	codes, deps, subs, err := x.loadCodes(ctx)
	if err != nil {
		return records{}, err
	}
	var out records
	want := func(e Entity) bool { return entity == EntityAll || entity == e }

	if want(EntityDependencias) {
		for _, d := range deps {
			out.dependencias = append(out.dependencias, DependenciaRecord{
				Code: d.Code, Name: d.Name, Acronym: d.Acronym, Description: d.Description, Active: boolPtr(d.Active),
			})
		}
	}
	if want(EntitySubdependencias) {
		for _, s := range subs {
			out.subdependencias = append(out.subdependencias, SubdependenciaRecord{
				DependenciaCode: codes.deps[s.DependenciaID], Code: s.Code, Name: s.Name, Acronym: s.Acronym,
				Active: boolPtr(s.Active),
			})
		}
	}
	if want(EntityTramites) {
		items, _, err := x.db.ListTramites(ctx, model.CatalogFilter{})
		if err != nil {
			return records{}, err
		}
		for _, t := range items {
			out.tramites = append(out.tramites, TramiteRecord{
				Code: t.Code, Name: t.Name, Description: t.Description, Requirements: t.Requirements,
				ResponseTime: t.ResponseTime, HasPayment: t.HasPayment, Cost: t.Cost, LegalBasis: t.LegalBasis,
				Channel: t.Channel, URL: t.URL, Category: t.Category,
				DependenciaCode: codes.deps[t.DependenciaID], SubdependenciaCode: codes.sub(t.SubdependenciaID),
				Active: boolPtr(t.Active),
			})
		}
	}
	if want(EntityOPAs) {
		items, _, err := x.db.ListOPAs(ctx, model.CatalogFilter{})
		if err != nil {
			return records{}, err
		}
		for _, o := range items {
			out.opas = append(out.opas, OPARecord{
				Code: o.Code, Name: o.Name, Description: o.Description, Requirements: o.Requirements,
				ResponseTime: o.ResponseTime, HasPayment: o.HasPayment, Cost: o.Cost,
				DependenciaCode: codes.deps[o.DependenciaID], SubdependenciaCode: codes.sub(o.SubdependenciaID),
				Active: boolPtr(o.Active),
			})
		}
	}
	if want(EntityFAQs) {
		items, _, err := x.db.ListFAQs(ctx, model.CatalogFilter{})
		if err != nil {
			return records{}, err
		}
		for _, f := range items {
			out.faqs = append(out.faqs, FAQRecord{
				Question: f.Question, Answer: f.Answer, Topic: f.Topic, Keywords: f.Keywords,
				DependenciaCode: codes.dep(f.DependenciaID), SubdependenciaCode: codes.sub(f.SubdependenciaID),
				SortOrder: f.SortOrder, Active: boolPtr(f.Active),
			})
		}
	}
	return out, nil
}

// Export writes one entity to w. SQLite exports are staged in a temporary
// file and copied to w; they also accept EntityAll.
func (x *Service) Export(ctx context.Context, entity Entity, format Format, w io.Writer) error {
	if format == FormatSQLite {
		return x.exportSQLite(ctx, entity, w)
	}
	if entity == EntityAll {
		return fmt.Errorf("%w: entity all is only available as sqlite", ErrUnsupported)
	}
	recs, err := x.load(ctx, entity)
	if err != nil {
		return fmt.Errorf("transfer: export %s: %w", entity, err)
	}
	switch entity {
	case EntityDependencias:
		err = encode(w, format, recs.dependencias, dependenciaColumns)
	case EntitySubdependencias:
		err = encode(w, format, recs.subdependencias, subdependenciaColumns)
	case EntityTramites:
		err = encode(w, format, recs.tramites, tramiteColumns)
	case EntityOPAs:
		err = encode(w, format, recs.opas, opaColumns)
	case EntityFAQs:
		err = encode(w, format, recs.faqs, faqColumns)
	default:
		return fmt.Errorf("%w: entity %q", ErrUnsupported, entity)
	}
	if err != nil {
		return fmt.Errorf("transfer: export %s: %w", entity, err)
	}
	return nil
}

func (x *Service) exportSQLite(ctx context.Context, entity Entity, w io.Writer) error {
	f, err := os.CreateTemp("", "civica-export-*.sqlite")
	if err != nil {
		return fmt.Errorf("transfer: export sqlite: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(path) }()

	if err := x.writeSnapshot(ctx, entity, path); err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("transfer: export sqlite: %w", err)
	}
	defer func() { _ = src.Close() }()
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("transfer: export sqlite: %w", err)
	}
	return nil
}

// Snapshot writes every entity to a new SQLite database at path, replacing
// any existing file.
func (x *Service) Snapshot(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transfer: snapshot: %w", err)
	}
	return x.writeSnapshot(ctx, EntityAll, path)
}

func (x *Service) writeSnapshot(ctx context.Context, entity Entity, path string) error {
	recs, err := x.load(ctx, entity)
	if err != nil {
		return fmt.Errorf("transfer: snapshot: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("transfer: open sqlite: %w", err)
	}
	defer func() { _ = db.Close() }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transfer: begin sqlite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	want := func(e Entity) bool { return entity == EntityAll || entity == e }
	steps := []struct {
		entity Entity
		write  func() error
	}{
		{EntityDependencias, func() error { return writeTable(ctx, tx, EntityDependencias, recs.dependencias, dependenciaColumns) }},
		{EntitySubdependencias, func() error {
			return writeTable(ctx, tx, EntitySubdependencias, recs.subdependencias, subdependenciaColumns)
		}},
		{EntityTramites, func() error { return writeTable(ctx, tx, EntityTramites, recs.tramites, tramiteColumns) }},
		{EntityOPAs, func() error { return writeTable(ctx, tx, EntityOPAs, recs.opas, opaColumns) }},
		{EntityFAQs, func() error { return writeTable(ctx, tx, EntityFAQs, recs.faqs, faqColumns) }},
	}
	for _, s := range steps {
		if !want(s.entity) {
			continue
		}
		if err := s.write(); err != nil {
			return fmt.Errorf("transfer: write sqlite %s: %w", s.entity, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transfer: commit sqlite: %w", err)
	}
	x.logger.Info("transfer: sqlite snapshot written", "entity", entity, "path", path)
	return nil
}

func writeTable[R any](ctx context.Context, tx *sql.Tx, entity Entity, recs []R, cols []column[R]) error {
	defs := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c.name + " " + c.kind
		marks[i] = "?"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", entity, strings.Join(defs, ", "))); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		entity, strings.Join(columnNames(cols), ", "), strings.Join(marks, ", ")))
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	args := make([]any, len(cols))
	for i := range recs {
		for j, c := range cols {
			args[j] = sqliteValue(c.kind, c.get(&recs[i]))
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

// sqliteValue converts the CSV text of a cell to a typed SQLite value.
func sqliteValue(kind, v string) any {
	switch kind {
	case "INTEGER":
		if v == "" {
			return nil
		}
		switch v {
		case "true":
			return 1
		case "false":
			return 0
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case "REAL":
		if v == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
