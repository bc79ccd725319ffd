package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/civica-gov/civica/internal/auth"
	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/migrations"
)

func migrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := g.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.RunMigrations(cmd.Context(), migrations.FS); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func syncKnowledgeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-knowledge",
		Short: "Queue every catalog entry for re-ingestion into the chatbot knowledge base",
		Long: `sync-knowledge enqueues the whole catalog on the knowledge outbox.
A running server picks the entries up and re-embeds whatever changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := g.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := db.EnqueueFullSync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d entries\n", n)
			return nil
		},
	}
}

func createUserCmd(g *globals) *cobra.Command {
	var (
		username      string
		name          string
		role          string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a staff account",
		Long: `create-user adds an admin, editor or viewer account. The password is
read from CIVICA_NEW_USER_PASSWORD, or from the first line of stdin with
--password-stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password := os.Getenv("CIVICA_NEW_USER_PASSWORD")
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			req := model.CreateUserRequest{
				Username: strings.ToLower(strings.TrimSpace(username)),
				Name:     strings.TrimSpace(name),
				Role:     model.Role(role),
				Password: password,
			}
			if req.Name == "" {
				req.Name = req.Username
			}
			if err := req.Validate(); err != nil {
				return err
			}
			hash, err := auth.HashPassword(req.Password)
			if err != nil {
				return err
			}

			db, err := g.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			u, err := db.CreateUser(cmd.Context(), model.User{
				Username:     req.Username,
				Name:         req.Name,
				Role:         req.Role,
				PasswordHash: hash,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) %s\n", u.Username, u.Role, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Login name")
	cmd.Flags().StringVar(&name, "name", "", "Display name (default: username)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleEditor), "admin, editor or viewer")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}
