package storage

import (
	"fmt"
	"strings"

	"github.com/civica-gov/civica/internal/model"
)

// buildCatalogWhereClause renders the shared filter of trámite, OPA and FAQ
// listings. Pagination is appended by the caller.
func buildCatalogWhereClause(f model.CatalogFilter, startArgIdx int) (string, []any) {
	var conditions []string
	var args []any
	idx := startArgIdx

	if f.DependenciaID != nil {
		conditions = append(conditions, fmt.Sprintf("dependencia_id = $%d", idx))
		args = append(args, *f.DependenciaID)
		idx++
	}
	if f.SubdependenciaID != nil {
		conditions = append(conditions, fmt.Sprintf("subdependencia_id = $%d", idx))
		args = append(args, *f.SubdependenciaID)
		idx++
	}
	if f.Active != nil {
		conditions = append(conditions, fmt.Sprintf("active = $%d", idx))
		args = append(args, *f.Active)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// paginate appends LIMIT/OFFSET. A non-positive limit means no limit.
func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
