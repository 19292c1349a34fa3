package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kluzzebass/errormonitor/internal/auth"
	"github.com/kluzzebass/errormonitor/internal/model"
)

func newUserCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage dashboard users",
	}
	cmd.AddCommand(newUserCreateCmd(logger), newUserGrantCmd(logger))
	return cmd
}

func newUserCreateCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <email>",
		Short: "Create a dashboard user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				return fmt.Errorf("--password is required")
			}

			st, err := openStore(cmd, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			hash, err := auth.HashPassword(password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			u := model.User{
				ID:           uuid.New(),
				Email:        args[0],
				PasswordHash: hash,
				CreatedAt:    time.Now().UTC(),
			}
			if err := st.PutUser(cmd.Context(), u); err != nil {
				return err
			}
			fmt.Printf("user %s created (id %s)\n", u.Email, u.ID)
			return nil
		},
	}
	cmd.Flags().String("password", "", "initial password")
	return cmd
}

func newUserGrantCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant <email> <project-id>",
		Short: "Grant a user a role on a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			roleFlag, _ := cmd.Flags().GetString("role")
			role := model.Role(roleFlag)
			switch role {
			case model.RoleViewer, model.RoleDeveloper, model.RoleAdmin:
			default:
				return fmt.Errorf("role must be viewer, developer, or admin")
			}
			projectID, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid project id: %w", err)
			}

			st, err := openStore(cmd, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			u, err := st.GetUserByEmail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := st.GetProject(cmd.Context(), projectID); err != nil {
				return err
			}
			if err := st.PutMembership(cmd.Context(), model.Membership{
				UserID: u.ID, ProjectID: projectID, Role: role,
			}); err != nil {
				return err
			}
			fmt.Printf("granted %s on %s to %s\n", role, projectID, u.Email)
			return nil
		},
	}
	cmd.Flags().String("role", "developer", "role to grant: viewer, developer, or admin")
	return cmd
}
