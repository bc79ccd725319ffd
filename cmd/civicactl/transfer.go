package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/civica-gov/civica/internal/service/transfer"
)

// formatFor returns the explicit format or, when empty, the one implied by
// the file extension.
func formatFor(explicit, path string) (transfer.Format, error) {
	if explicit != "" {
		return transfer.ParseFormat(explicit)
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	switch ext {
	case "":
		return "", fmt.Errorf("cannot infer format of %q; pass --format", path)
	case "db", "sqlite3":
		return transfer.FormatSQLite, nil
	}
	return transfer.ParseFormat(ext)
}

func importCmd(g *globals) *cobra.Command {
	var (
		format string
		mode   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "import <entity> <file>",
		Short: "Bulk import catalog rows from a CSV, JSON, NDJSON or YAML file",
		Long: `Import creates or updates catalog rows. Rows reference their
dependencia and subdependencia by code. The import is all or nothing: when
any row fails validation nothing is written and the report lists every
problem. Use - as the file to read stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := transfer.ParseEntity(args[0])
			if err != nil {
				return err
			}
			f, err := formatFor(format, args[1])
			if err != nil {
				return err
			}
			m, err := transfer.ParseMode(mode)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if args[1] != "-" {
				file, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer func() { _ = file.Close() }()
				in = file
			}

			db, err := g.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := transfer.New(db, g.logger).Import(cmd.Context(), entity, f, in, transfer.Options{Mode: m, DryRun: dryRun})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("%d row(s) rejected, nothing was written", len(report.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Input format: csv, json, ndjson or yaml (default: from file extension)")
	cmd.Flags().StringVar(&mode, "mode", "upsert", "upsert updates existing rows; create rejects them")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and report without writing")
	return cmd
}

func exportCmd(g *globals) *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export <entity>",
		Short: "Export catalog rows as CSV, JSON, NDJSON, YAML or a SQLite snapshot",
		Long: `Export writes one entity to --out, or stdout when --out is empty.
The entity "all" is only available as sqlite and writes every table into
one database file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := transfer.ParseEntity(args[0])
			if err != nil {
				return err
			}
			f, err := formatFor(format, out)
			if err != nil {
				return err
			}

			db, err := g.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			svc := transfer.New(db, g.logger)

			if out == "" {
				return svc.Export(cmd.Context(), entity, f, cmd.OutOrStdout())
			}
			if f == transfer.FormatSQLite && entity == transfer.EntityAll {
				return svc.Snapshot(cmd.Context(), out)
			}
			file, err := os.Create(out) //nolint:gosec // operator-supplied output path
			if err != nil {
				return err
			}
			if err := svc.Export(cmd.Context(), entity, f, file); err != nil {
				_ = file.Close()
				return err
			}
			return file.Close()
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Output format (default: from --out extension, else json)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default: stdout)")
	cmd.PreRunE = func(*cobra.Command, []string) error {
		if format == "" && out == "" {
			format = string(transfer.FormatJSON)
		}
		return nil
	}
	return cmd
}
