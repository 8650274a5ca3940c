package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/systemshift/graphdiff/cmd/graphdiff/client"
	"github.com/systemshift/graphdiff/internal/diff"
)

const (
	outputAuto = "auto"
	outputJSON = "json"
	outputText = "text"
)

type cli struct {
	out     io.Writer
	server  string
	output  string
	timeout time.Duration
}

func (c *cli) client() *client.Client { return client.New(c.server) }

// jsonOutput reports whether results are printed as JSON. In auto mode JSON
// is used unless stdout is a terminal.
func (c *cli) jsonOutput() bool {
	switch c.output {
	case outputJSON:
		return true
	case outputText:
		return false
	}
	f, ok := c.out.(*os.File)
	return !ok || !term.IsTerminal(int(f.Fd()))
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "graphdiff",
		Short:         "Diff and merge branches of a graph database",
		Long:          `graphdiff talks to a graphdiff server to track the diff of every branch against its origin, list and resolve conflicts, and merge or rebase branches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch c.output {
			case outputAuto, outputJSON, outputText:
				return nil
			}
			return fmt.Errorf("unknown output format %q", c.output)
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.server, "server", getEnv("GRAPHDIFF_SERVER", "http://localhost:8080"), "graphdiff server URL")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", outputAuto, "output format: auto, json or text")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		newBranchCmd(c),
		newDiffCmd(c),
		newConflictsCmd(c),
		newMergeCmd(c),
		newRebaseCmd(c),
		newPurgeCmd(c),
	)
	return root
}

func newBranchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage branches",
	}

	var origin, at string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a branch off an origin branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTime("at", at)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			b, err := c.client().CreateBranch(ctx, args[0], origin, t)
			if err != nil {
				return err
			}
			return c.print(b, func(w io.Writer) { renderBranches(w, []client.Branch{*b}) })
		},
	}
	create.Flags().StringVar(&origin, "origin", "", "branch to fork from (default main)")
	create.Flags().StringVar(&at, "at", "", "branch point, RFC 3339 (default now)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			branches, err := c.client().ListBranches(ctx)
			if err != nil {
				return err
			}
			return c.print(branches, func(w io.Writer) { renderBranches(w, branches) })
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newDiffCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show and update tracking diffs",
	}

	show := &cobra.Command{
		Use:   "show <branch>",
		Short: "Show the tracking diff of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			root, err := c.client().GetDiff(ctx, args[0])
			if err != nil {
				return err
			}
			return c.print(root, func(w io.Writer) { renderRoot(w, root) })
		},
	}

	var to string
	var all bool
	update := &cobra.Command{
		Use:   "update [branch]",
		Short: "Bring the tracking diff of a branch, or of every branch, up to date",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give either a branch or --all")
			}
			t, err := parseTime("to", to)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			if all {
				mds, err := c.client().UpdateAll(ctx, t)
				if err != nil {
					return err
				}
				return c.print(mds, func(w io.Writer) { renderMetadata(w, mds) })
			}
			root, err := c.client().UpdateDiff(ctx, args[0], t)
			if err != nil {
				return err
			}
			return c.print(root, func(w io.Writer) { renderRoot(w, root) })
		},
	}
	update.Flags().StringVar(&to, "to", "", "end of the diff, RFC 3339 (default now)")
	update.Flags().BoolVar(&all, "all", false, "update every branch")

	var from, recalcTo string
	recalculate := &cobra.Command{
		Use:   "recalculate <branch>",
		Short: "Recompute the tracking diff of a branch from scratch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseTime("from", from)
			if err != nil {
				return err
			}
			t, err := parseTime("to", recalcTo)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			root, err := c.client().RecalculateDiff(ctx, args[0], f, t)
			if err != nil {
				return err
			}
			return c.print(root, func(w io.Writer) { renderRoot(w, root) })
		},
	}
	recalculate.Flags().StringVar(&from, "from", "", "start of the diff, RFC 3339 (default the branch point)")
	recalculate.Flags().StringVar(&recalcTo, "to", "", "end of the diff, RFC 3339 (default now)")

	cmd.AddCommand(show, update, recalculate)
	return cmd
}

func newConflictsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve conflicts",
	}

	var from, to string
	list := &cobra.Command{
		Use:   "list <branch>",
		Short: "List the conflicts between a branch and its origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseTime("from", from)
			if err != nil {
				return err
			}
			t, err := parseTime("to", to)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			res, err := c.client().Conflicts(ctx, args[0], f, t)
			if err != nil {
				return err
			}
			return c.print(res, func(w io.Writer) { renderConflicts(w, res) })
		},
	}
	list.Flags().StringVar(&from, "from", "", "start of the window, RFC 3339 (default the branch point)")
	list.Flags().StringVar(&to, "to", "", "end of the window, RFC 3339 (default now)")

	resolve := &cobra.Command{
		Use:   "resolve <uuid> <base|diff|none>",
		Short: "Select the winning side of a conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			side := diff.BranchSide(args[1])
			if args[1] == "none" {
				side = ""
			} else if !side.Valid() {
				return fmt.Errorf("side must be base, diff or none, got %q", args[1])
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			if err := c.client().ResolveConflict(ctx, args[0], side); err != nil {
				return err
			}
			res := map[string]string{"uuid": args[0], "selected_branch": string(side)}
			return c.print(res, func(w io.Writer) {
				if side == "" {
					fmt.Fprintf(w, "%s resolution of %s cleared\n", okStyle.Render("✓"), args[0])
					return
				}
				fmt.Fprintf(w, "%s %s resolved in favor of %s\n", okStyle.Render("✓"), args[0], side)
			})
		},
	}

	cmd.AddCommand(list, resolve)
	return cmd
}

func newMergeCmd(c *cli) *cobra.Command {
	var at string
	var allowUnresolved bool
	cmd := &cobra.Command{
		Use:   "merge <branch>",
		Short: "Merge a branch into its origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTime("at", at)
			if err != nil {
				return err
			}
			var allow *bool
			if cmd.Flags().Changed("allow-unresolved") {
				allow = &allowUnresolved
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			res, err := c.client().Merge(ctx, args[0], t, allow)
			if err != nil {
				return err
			}
			return c.print(res, func(w io.Writer) {
				fmt.Fprintf(w, "%s merged %s into %s at %s: %d applied, %d skipped\n",
					okStyle.Render("✓"), res.Source, res.Destination, formatTime(res.At), res.Applied, res.Skipped)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "merge instant, RFC 3339 (default now)")
	cmd.Flags().BoolVar(&allowUnresolved, "allow-unresolved", false, "merge even with unresolved conflicts; the branch side wins")
	return cmd
}

func newRebaseCmd(c *cli) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "rebase <branch>",
		Short: "Move the branch point of a branch forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTime("at", at)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			root, err := c.client().Rebase(ctx, args[0], t)
			if err != nil {
				return err
			}
			return c.print(root, func(w io.Writer) { renderRoot(w, root) })
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "new branch point, RFC 3339 (default now)")
	return cmd
}

func newPurgeCmd(c *cli) *cobra.Command {
	var base, branch, before string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete empty ad-hoc diffs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTime("before", before)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			n, err := c.client().PurgeEmpty(ctx, base, branch, t)
			if err != nil {
				return err
			}
			return c.print(map[string]int{"deleted": n}, func(w io.Writer) {
				fmt.Fprintf(w, "%s deleted %d empty diffs\n", okStyle.Render("✓"), n)
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "only diffs against this base branch")
	cmd.Flags().StringVar(&branch, "branch", "", "only diffs of this branch")
	cmd.Flags().StringVar(&before, "before", "", "only diffs ending before this instant, RFC 3339 (default now)")
	return cmd
}

func parseTime(flag, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t.UTC(), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
