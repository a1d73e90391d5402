package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/oceanbase/memctx/pkg/core"
)

// app holds the persistent flags and the client of one invocation.
type app struct {
	configPath string
	userID     string
	teams      []string
	orgs       []string
	format     string

	cfg    *core.Config
	client *core.Client
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "memctx",
		Short:         "Capture and recall working memory across personal, team and organization scopes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Config file (.yaml, .json or .env; default: environment)")
	flags.StringVarP(&a.userID, "user", "u", defaultUser(), "Acting user id (default: $MEMCTX_USER or $USER)")
	flags.StringSliceVar(&a.teams, "team", nil, "Team memberships of the acting user")
	flags.StringSliceVar(&a.orgs, "org", nil, "Organization memberships of the acting user")
	flags.StringVarP(&a.format, "format", "f", "json", "Output format: json or text")

	root.AddCommand(
		a.startCmd(),
		a.appendCmd(),
		a.stopCmd(),
		a.statusCmd(),
		a.currentCmd(),
		a.recallCmd(),
		a.promoteCmd(),
		a.sweepCmd(),
		a.grantCmd(),
		a.linkCmd(),
	)
	return root
}

func defaultUser() string {
	if u := os.Getenv("MEMCTX_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

func (a *app) open() error {
	if a.userID == "" {
		return fmt.Errorf("%w: no user, pass --user or set MEMCTX_USER", core.ErrInvalidInput)
	}
	if a.format != "json" && a.format != "text" {
		return fmt.Errorf("%w: unknown format %q", core.ErrInvalidInput, a.format)
	}

	var err error
	if a.configPath != "" {
		a.cfg, err = core.LoadConfig(a.configPath)
	} else {
		a.cfg, err = core.LoadConfigFromEnv()
	}
	if err != nil {
		return err
	}
	// Commands are short-lived; a background sweeper would never tick.
	a.cfg.Retention.Background = false

	a.client, err = core.NewClient(a.cfg)
	return err
}

// close flushes open buffers so appended entries survive the process.
func (a *app) close() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

// run wraps a command body so the client is closed whatever it returns.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		return errors.Join(err, a.close())
	}
}

func (a *app) requester() core.Requester {
	return core.Requester{UserID: a.userID, Teams: a.teams, Orgs: a.orgs}
}

// print writes v as indented JSON, or calls text in text mode.
func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	if a.format == "text" && text != nil {
		text(w)
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// exitCode maps errors to process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		return 3
	case errors.Is(err, core.ErrContextNotFound), errors.Is(err, core.ErrNoActiveContext):
		return 4
	case errors.Is(err, core.ErrQuotaExceeded):
		return 5
	default:
		return 1
	}
}
