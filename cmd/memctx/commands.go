package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanbase/memctx/pkg/core"
	"github.com/oceanbase/memctx/pkg/policy"
)

func scopeRef(scope, id string, req core.Requester) (core.ScopeRef, error) {
	s, err := policy.ParseScope(scope)
	if err != nil {
		return core.ScopeRef{}, err
	}
	if s == policy.ScopePersonal && id == "" {
		id = req.UserID
	}
	return core.ScopeRef{Scope: s, ID: id}, nil
}

func (a *app) startCmd() *cobra.Command {
	var scope, scopeID string
	cmd := &cobra.Command{
		Use:   "start NAME",
		Short: "Start a context and make it current",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		req := a.requester()
		ref, err := scopeRef(scope, scopeID, req)
		if err != nil {
			return err
		}
		info, err := a.client.Start(cmd.Context(), req, args[0], core.WithScope(ref))
		if err != nil {
			return err
		}
		return a.print(cmd.OutOrStdout(), info, func(w io.Writer) {
			fmt.Fprintf(w, "started %s (%s) in %s\n", info.Name, info.ID, info.Scope)
		})
	})
	cmd.Flags().StringVar(&scope, "scope", "personal", "Scope: personal, team or organization")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "Team or organization id")
	return cmd
}

func (a *app) appendCmd() *cobra.Command {
	var (
		hint  string
		tier  int
		actor string
	)
	cmd := &cobra.Command{
		Use:   "append CONTENT...|-",
		Short: "Append content to the current context; - reads one entry per line from stdin",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		opts := []core.AppendOption{core.WithTier(core.Tier(tier)), core.WithActor(actor)}
		if hint != "" {
			opts = append(opts, core.WithContext(hint))
		}

		contents := []string{strings.Join(args, " ")}
		if len(args) == 1 && args[0] == "-" {
			var err error
			if contents, err = readLines(cmd.InOrStdin()); err != nil {
				return err
			}
		}

		res, err := a.client.BatchAppend(cmd.Context(), a.requester(), contents, opts...)
		if err != nil {
			return err
		}
		if res.FailedCount > 0 {
			err = fmt.Errorf("%d of %d entries rejected: %w", res.FailedCount, res.Total, res.Failed[0].Error)
		}
		if perr := a.print(cmd.OutOrStdout(), res.Appended, func(w io.Writer) {
			fmt.Fprintf(w, "appended %d/%d\n", res.AppendedCount, res.Total)
		}); perr != nil {
			return perr
		}
		return err
	})
	cmd.Flags().StringVar(&hint, "context", "", "Context id or name (default: current)")
	cmd.Flags().IntVar(&tier, "tier", int(policy.TierInternal), "Declared sensitivity tier, 0 (public) to 4 (secret)")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Producer recorded on each entry")
	return cmd
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func (a *app) stopCmd() *cobra.Command {
	var (
		hint string
		all  bool
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Flush and stop the current context",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		opts := []core.StopOption{core.WithContextForStop(hint)}
		if all {
			opts = append(opts, core.WithAll())
		}
		if err := a.client.Stop(cmd.Context(), a.requester(), opts...); err != nil {
			return err
		}
		return a.print(cmd.OutOrStdout(), map[string]bool{"stopped": true}, func(w io.Writer) {
			fmt.Fprintln(w, "stopped")
		})
	})
	cmd.Flags().StringVar(&hint, "context", "", "Context id or name (default: current)")
	cmd.Flags().BoolVar(&all, "all", false, "Stop every context of the user")
	return cmd
}

type statusLine struct {
	core.Status
	Error string `json:"error,omitempty"`
}

func (a *app) statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the user's contexts with pending entry counts",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		st, err := a.client.Status(cmd.Context(), a.requester())
		if err != nil {
			return err
		}
		lines := make([]statusLine, len(st))
		for i, s := range st {
			lines[i] = statusLine{Status: s}
			if s.Err != nil {
				lines[i].Error = s.Err.Error()
			}
		}
		return a.print(cmd.OutOrStdout(), lines, func(w io.Writer) {
			for _, l := range lines {
				fmt.Fprintf(w, "%-24s %-9s %-22s pending=%d %s\n", l.Name, l.State, l.Scope, l.PendingCount, l.Error)
			}
		})
	})
	return cmd
}

func (a *app) currentCmd() *cobra.Command {
	var hint string
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the context appends go to",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		info, err := a.client.ResolveCurrent(cmd.Context(), a.requester(), hint)
		if err != nil {
			return err
		}
		return a.print(cmd.OutOrStdout(), info, func(w io.Writer) {
			fmt.Fprintf(w, "%s (%s) %s %s\n", info.Name, info.ID, info.Scope, info.State)
		})
	})
	cmd.Flags().StringVar(&hint, "context", "", "Context id or name")
	return cmd
}

func (a *app) recallCmd() *cobra.Command {
	var (
		hint    string
		scopes  []string
		limit   int
		timeout time.Duration
		strict  bool
	)
	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Recall entries across every readable scope, most local first",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		opts := []core.RecallOption{
			core.WithContextForRecall(hint),
			core.WithLimit(limit),
			core.WithScopeTimeout(timeout),
		}
		for _, s := range scopes {
			kind, id, _ := strings.Cut(s, ":")
			sc, err := policy.ParseScope(kind)
			if err != nil {
				return err
			}
			opts = append(opts, core.WithScopes(core.ScopeRef{Scope: sc, ID: id}))
		}

		res, err := a.client.Recall(cmd.Context(), a.requester(), opts...)
		if err != nil {
			return err
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", w.Error())
		}
		if err := a.print(cmd.OutOrStdout(), res, func(w io.Writer) {
			for _, it := range res.Items {
				fmt.Fprintf(w, "[%s] %s %s\n", it.Source, it.Entry.CreatedAt.Format(time.RFC3339), it.Entry.Content)
			}
		}); err != nil {
			return err
		}
		if strict {
			return res.Err()
		}
		return nil
	})
	cmd.Flags().StringVar(&hint, "context", "", "Narrow to one context id or name")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Restrict to scopes, e.g. team:platform or organization")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-scope query timeout (default from config)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail when a scope did not answer")
	return cmd
}

func (a *app) promoteCmd() *cobra.Command {
	var scope, scopeID string
	cmd := &cobra.Command{
		Use:   "promote CONTEXT",
		Short: "Stop a context and continue it in a broader scope",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		req := a.requester()
		ref, err := scopeRef(scope, scopeID, req)
		if err != nil {
			return err
		}
		info, err := a.client.Promote(cmd.Context(), req, args[0], ref)
		if err != nil {
			return err
		}
		return a.print(cmd.OutOrStdout(), info, func(w io.Writer) {
			fmt.Fprintf(w, "promoted %s to %s (%s)\n", info.Name, info.Scope, info.ID)
		})
	})
	cmd.Flags().StringVar(&scope, "to", "team", "Target scope: team or organization")
	cmd.Flags().StringVar(&scopeID, "to-id", "", "Target team or organization id")
	_ = cmd.MarkFlagRequired("to-id")
	return cmd
}

func (a *app) sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete or archive entries past their retention period",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		res, err := a.client.Sweep(cmd.Context())
		if res == nil {
			return err
		}
		if perr := a.print(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintf(w, "removed %d entries in %s\n", res.Total(), res.Duration)
		}); perr != nil {
			return perr
		}
		return err
	})
	return cmd
}

// saveGrants writes the enforcer's table back to the configured grants
// file so the change outlives the process.
func (a *app) saveGrants() error {
	path := a.cfg.Policy.GrantsFile
	if path == "" {
		return fmt.Errorf("%w: policy.grants_file is not configured", core.ErrInvalidConfig)
	}
	return policy.WriteFile(path, a.client.Policy().Snapshot())
}

func (a *app) grantCmd() *cobra.Command {
	var (
		g      policy.Grant
		role   string
		kind   string
		revoke bool
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Add or revoke a role grant and save it to the grants file",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		if a.cfg.Policy.GrantsFile == "" {
			return fmt.Errorf("%w: policy.grants_file is not configured", core.ErrInvalidConfig)
		}
		r, err := policy.ParseRole(role)
		if err != nil {
			return err
		}
		g.Role = r
		g.Kind = policy.GrantKind(kind)

		if revoke {
			err = a.client.Revoke(g)
		} else {
			err = a.client.Grant(g)
		}
		if err != nil {
			return err
		}
		if err := a.saveGrants(); err != nil {
			return err
		}
		return a.print(cmd.OutOrStdout(), g, func(w io.Writer) {
			verb := "granted"
			if revoke {
				verb = "revoked"
			}
			fmt.Fprintf(w, "%s %s %s on %s %s\n", verb, g.Subject, g.Role, g.Kind, g.Ref)
		})
	})
	cmd.Flags().StringVar(&g.Subject, "subject", "", "User id receiving the role")
	cmd.Flags().StringVar(&role, "role", "member", "Role: viewer, member, maintainer, admin or owner")
	cmd.Flags().StringVar(&kind, "kind", string(policy.GrantTeam), "Grant target kind: context, team or org")
	cmd.Flags().StringVar(&g.Ref, "ref", "", "Team id, organization id, context id or owner/name glob")
	cmd.Flags().BoolVar(&revoke, "revoke", false, "Remove the grant instead of adding it")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func (a *app) linkCmd() *cobra.Command {
	var child, parent string
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Share a team into a parent team or organization",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		if a.cfg.Policy.GrantsFile == "" {
			return fmt.Errorf("%w: policy.grants_file is not configured", core.ErrInvalidConfig)
		}
		var l policy.Link
		var err error
		if l.Child, err = parseRef(child); err != nil {
			return err
		}
		if l.Parent, err = parseRef(parent); err != nil {
			return err
		}
		if err := a.client.Link(l); err != nil {
			return err
		}
		if err := a.saveGrants(); err != nil {
			return err
		}
		return a.print(cmd.OutOrStdout(), l, func(w io.Writer) {
			fmt.Fprintf(w, "linked %s -> %s\n", l.Child, l.Parent)
		})
	})
	cmd.Flags().StringVar(&child, "child", "", "Shared scope, e.g. team:infra")
	cmd.Flags().StringVar(&parent, "parent", "", "Receiving scope, e.g. organization:acme")
	_ = cmd.MarkFlagRequired("child")
	_ = cmd.MarkFlagRequired("parent")
	return cmd
}

// parseRef parses "scope:id".
func parseRef(s string) (core.ScopeRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return core.ScopeRef{}, fmt.Errorf("%w: want scope:id, got %q", core.ErrInvalidInput, s)
	}
	sc, err := policy.ParseScope(kind)
	if err != nil {
		return core.ScopeRef{}, err
	}
	return core.ScopeRef{Scope: sc, ID: id}, nil
}
