package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sprintconnect/authsession/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the console auth routes and the authenticated API proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.Logging, cmd.OutOrStdout())
			logger.Info("Starting authsession", "version", version)

			sess, err := server.OpenSession(cmd.Context(), *cfg, logger)
			if err != nil {
				return err
			}

			srv, err := server.New(*cfg, sess, logger)
			if err != nil {
				sess.Close()
				return fmt.Errorf("failed to create server: %w", err)
			}

			return srv.Start(cmd.Context())
		},
	}
}

// openSession builds a session for one-shot commands. Their logs go to
// stderr so stdout stays parseable.
func openSession(cmd *cobra.Command, opts *rootOptions) (*server.Session, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}

	logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())
	return server.OpenSession(cmd.Context(), *cfg, logger)
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			state := sess.Manager.State()
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(state); err != nil {
					return err
				}
			} else if state.Authenticated {
				fmt.Fprintf(out, "Signed in as %s <%s>\n", state.User.Name, state.User.Email)
				fmt.Fprintf(out, "Organization: %s (%s)\n", state.User.OrgName, state.User.OrgID)
				fmt.Fprintf(out, "Roles:        %s\n", strings.Join(state.User.Roles, ", "))
				if tokens := sess.Store.Tokens(cmd.Context()); tokens != nil {
					if expiry, ok := tokens.Expiry(state.User); ok {
						fmt.Fprintf(out, "Expires:      %s\n", expiry.Local().Format("2006-01-02 15:04:05"))
					}
				}
			} else {
				fmt.Fprintln(out, "Not signed in")
			}

			if !state.Authenticated {
				return errNotAuthenticated
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session state as JSON")
	return cmd
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the stored refresh token for a new token set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			if !sess.Manager.IsAuthenticated() {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
				return errNotAuthenticated
			}

			if err := sess.Manager.RefreshToken(cmd.Context()); err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Session refreshed")
			return nil
		},
	}
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop the stored session and print the provider logout URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			logoutURL, err := sess.Manager.Logout(cmd.Context(), "")
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			if err != nil {
				return fmt.Errorf("backend logout failed: %w", err)
			}
			if logoutURL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Finish at the identity provider: %s\n", logoutURL)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "authsession version %s\n", version)
		},
	}
}
