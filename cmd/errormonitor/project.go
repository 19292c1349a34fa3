package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kluzzebass/errormonitor/internal/auth"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/store"
)

// openStore resolves the database path from flags/env and opens it, the
// shared preamble of every offline admin subcommand.
func openStore(cmd *cobra.Command, logger *slog.Logger) (*store.Store, error) {
	dbFlag, _ := cmd.Flags().GetString("db")
	cfg, err := readEnvConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(resolveStorePath(dbFlag, cfg.DatabaseURL, logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func newProjectCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(newProjectCreateCmd(logger), newProjectListCmd(logger), newProjectRotateKeyCmd(logger))
	return cmd
}

func newProjectCreateCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			retentionDays, _ := cmd.Flags().GetInt("retention-days")
			scrubEmails, _ := cmd.Flags().GetBool("scrub-emails")
			scrubPhones, _ := cmd.Flags().GetBool("scrub-phones")
			scrubIPs, _ := cmd.Flags().GetBool("scrub-ips")
			if retentionDays < 1 || retentionDays > 365 {
				return fmt.Errorf("retention-days must be between 1 and 365")
			}

			st, err := openStore(cmd, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			key, hash, preview, err := auth.GenerateAPIKey()
			if err != nil {
				return fmt.Errorf("generate api key: %w", err)
			}

			p := model.Project{
				ID:            uuid.New(),
				Name:          args[0],
				Status:        model.ProjectActive,
				APIKeyHash:    hash,
				APIKeyPreview: preview,
				Scrub: model.ScrubPolicy{
					RemoveEmails: scrubEmails,
					RemovePhones: scrubPhones,
					RemoveIPs:    scrubIPs,
				},
				RetentionDays: retentionDays,
				CreatedAt:     time.Now().UTC(),
			}
			if err := st.PutProject(cmd.Context(), p); err != nil {
				return err
			}

			fmt.Printf("project %s created (id %s)\n", p.Name, p.ID)
			// The raw key is shown exactly once; only its hash is stored.
			fmt.Printf("api key: %s\n", key)
			return nil
		},
	}
	cmd.Flags().Int("retention-days", 90, "occurrence retention window in days (1-365)")
	cmd.Flags().Bool("scrub-emails", true, "redact email addresses before persistence")
	cmd.Flags().Bool("scrub-phones", true, "redact phone numbers before persistence")
	cmd.Flags().Bool("scrub-ips", false, "redact IP addresses before persistence")
	return cmd
}

func newProjectListCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			projects, err := st.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Printf("%s  %-20s  %-8s  key …%s  retention %dd\n",
					p.ID, p.Name, p.Status, p.APIKeyPreview, p.RetentionDays)
			}
			return nil
		},
	}
}

func newProjectRotateKeyCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <project-id>",
		Short: "Rotate a project's API key and print the new key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid project id: %w", err)
			}

			st, err := openStore(cmd, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := st.GetProject(cmd.Context(), id)
			if err != nil {
				return err
			}
			key, hash, preview, err := auth.GenerateAPIKey()
			if err != nil {
				return fmt.Errorf("generate api key: %w", err)
			}
			p.APIKeyHash = hash
			p.APIKeyPreview = preview
			if err := st.PutProject(cmd.Context(), p); err != nil {
				return err
			}

			fmt.Printf("key rotated for project %s\n", p.Name)
			fmt.Printf("api key: %s\n", key)
			return nil
		},
	}
}
