package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/catalogd/api"
	"pkt.systems/catalogd/client"
	"pkt.systems/catalogd/internal/svcfields"
	"pkt.systems/pslog"
)

const defaultServerURL = "http://127.0.0.1:8080"

func addClientFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultServerURL, "catalogd server URL used by client subcommands")
	flags.String("token-file", "", "file holding the admin lock token (defaults to $XDG_CONFIG_HOME/catalogd/admin-token)")
	flags.Duration("timeout", client.DefaultHTTPTimeout, "client request timeout for status and admin calls")
}

func newClientFromFlags(logger pslog.Logger) (*client.Client, error) {
	return client.New(viper.GetString("server"),
		client.WithAdminSecret(viper.GetString("admin-secret")),
		client.WithHTTPTimeout(durationOr(viper.GetDuration("timeout"), client.DefaultHTTPTimeout)),
		client.WithLogger(svcfields.WithSubsystem(logger, "cli.client")),
	)
}

func tokenStoreFromFlags() *client.TokenStore {
	return client.NewTokenStore(viper.GetString("token-file"))
}

// resolveToken prefers an explicit --token over the stored one.
func resolveToken(cmd *cobra.Command) (string, error) {
	if flag := cmd.Flags().Lookup("token"); flag != nil {
		if token := strings.TrimSpace(flag.Value.String()); token != "" {
			return token, nil
		}
	}
	token, err := tokenStoreFromFlags().Load()
	if errors.Is(err, client.ErrNoToken) {
		return "", fmt.Errorf("no admin lock token: run `catalogd admin lock acquire` or pass --token")
	}
	return token, err
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// writeAdminResult prints the envelope and turns an AdminError into its body
// plus a short error.
func writeAdminResult(cmd *cobra.Command, resp api.AdminResponse, err error) error {
	var adminErr *client.AdminError
	if errors.As(err, &adminErr) {
		if werr := writeJSON(cmd.OutOrStdout(), adminErr.Response); werr != nil {
			return werr
		}
		return fmt.Errorf("%s failed (%d): %s", adminErr.Response.Action, adminErr.StatusCode, adminErr.Response.Message)
	}
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), resp)
}

func newAdminCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator actions against a running catalogd",
	}
	cmd.PersistentFlags().String("token", "", "admin lock token (defaults to the stored token)")
	cmd.AddCommand(newAdminLockCommand(logger))
	cmd.AddCommand(newAdminContextCommand(logger))
	cmd.AddCommand(newAdminSettingsCommand(logger))
	return cmd
}

func newAdminLockCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, release or inspect the admin lease",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "acquire",
		Short: "Acquire the admin lease and store its token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClientFromFlags(logger)
			if err != nil {
				return err
			}
			token, resp, err := cli.AcquireAdminLock(cmd.Context())
			if err != nil {
				return writeAdminResult(cmd, resp, err)
			}
			store := tokenStoreFromFlags()
			if err := store.Save(token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "token saved to %s\n", store.Path())
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "release",
		Short: "Release the admin lease and forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClientFromFlags(logger)
			if err != nil {
				return err
			}
			token, err := resolveToken(cmd)
			if err != nil {
				return err
			}
			resp, err := cli.ReleaseAdminLock(cmd.Context(), token)
			if err != nil {
				return writeAdminResult(cmd, resp, err)
			}
			if err := tokenStoreFromFlags().Clear(); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show who holds the admin lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClientFromFlags(logger)
			if err != nil {
				return err
			}
			resp, err := cli.AdminLockStatus(cmd.Context())
			return writeAdminResult(cmd, resp, err)
		},
	})
	return cmd
}

func newAdminContextCommand(logger pslog.Logger) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Inspect or repair an execution context",
	}
	cmd.PersistentFlags().StringVar(&target, "target", client.TargetRun, "execution context (run or admin)")

	type contextAction struct {
		use   string
		short string
		call  func(*client.Client, *cobra.Command, string) (api.AdminResponse, error)
	}
	actions := []contextAction{
		{"get", "Print the context's failure count, suspension and queue", func(cli *client.Client, cmd *cobra.Command, token string) (api.AdminResponse, error) {
			return cli.ContextGet(cmd.Context(), token, target)
		}},
		{"clear-queue", "Drop pending queued requests", func(cli *client.Client, cmd *cobra.Command, token string) (api.AdminResponse, error) {
			return cli.ContextClearQueue(cmd.Context(), token, target)
		}},
		{"reset-failures", "Reset the consecutive failure counter", func(cli *client.Client, cmd *cobra.Command, token string) (api.AdminResponse, error) {
			return cli.ContextResetFailures(cmd.Context(), token, target)
		}},
		{"unsuspend", "Lift a suspension and reset failures", func(cli *client.Client, cmd *cobra.Command, token string) (api.AdminResponse, error) {
			return cli.ContextUnsuspend(cmd.Context(), token, target)
		}},
	}
	for _, action := range actions {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cli, err := newClientFromFlags(logger)
				if err != nil {
					return err
				}
				token, err := resolveToken(cmd)
				if err != nil {
					return err
				}
				resp, err := action.call(cli, cmd, token)
				return writeAdminResult(cmd, resp, err)
			},
		})
	}
	return cmd
}

func newAdminSettingsCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change runtime settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print current settings (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClientFromFlags(logger)
			if err != nil {
				return err
			}
			resp, err := cli.SettingsGet(cmd.Context())
			return writeAdminResult(cmd, resp, err)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY=VALUE...",
		Short: "Apply one or more setting updates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates, err := parseAssignments(args)
			if err != nil {
				return err
			}
			cli, err := newClientFromFlags(logger)
			if err != nil {
				return err
			}
			token, err := resolveToken(cmd)
			if err != nil {
				return err
			}
			resp, err := cli.SettingsSet(cmd.Context(), token, updates)
			return writeAdminResult(cmd, resp, err)
		},
	})
	return cmd
}

func parseAssignments(args []string) (map[string]any, error) {
	updates := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q (want KEY=VALUE)", arg)
		}
		if _, dup := updates[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		updates[key] = value
	}
	return updates, nil
}

func newRunCommand(logger pslog.Logger) *cobra.Command {
	var runTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run KIND",
		Short: "Trigger a job (scrape, musts or any registered kind)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClientFromFlags(logger)
			if err != nil {
				return err
			}
			if runTimeout > 0 {
				client.WithRunTimeout(runTimeout)(cli)
			}
			res, err := cli.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res.Response); err != nil {
				return err
			}
			if res.StatusCode >= 400 {
				return fmt.Errorf("run %s: %s (%d)", args[0], res.Response.Status, res.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&runTimeout, "run-timeout", 0, "give up waiting for the job after this long (0 waits)")
	return cmd
}

func newStatusCommand(logger pslog.Logger) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the published status and lease holders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClientFromFlags(logger)
			if err != nil {
				return err
			}
			st, err := cli.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			updated := "never"
			if !st.UpdatedAt.IsZero() {
				updated = humanize.Time(st.UpdatedAt)
			}
			fmt.Fprintf(out, "status:  %s (updated %s)\n", st.Status, updated)
			fmt.Fprintf(out, "run:     %s\n", describeLock(st.Run))
			fmt.Fprintf(out, "admin:   %s\n", describeLock(st.Admin))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func describeLock(l api.LockStatus) string {
	if !l.Active {
		return "free"
	}
	parts := []string{"held"}
	if l.Owner != "" {
		parts = append(parts, "by "+l.Owner)
	}
	if l.ExpiresAt != nil {
		parts = append(parts, "expires "+humanize.Time(*l.ExpiresAt))
	}
	return strings.Join(parts, " ")
}
