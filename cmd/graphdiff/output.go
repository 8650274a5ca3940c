package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/systemshift/graphdiff/cmd/graphdiff/client"
	"github.com/systemshift/graphdiff/internal/diff"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	conflictStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	actionStyles = map[diff.Action]lipgloss.Style{
		diff.ActionAdded:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		diff.ActionUpdated:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		diff.ActionRemoved:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		diff.ActionUnchanged: dimStyle,
	}

	actionSymbols = map[diff.Action]string{
		diff.ActionAdded:     "+",
		diff.ActionUpdated:   "~",
		diff.ActionRemoved:   "-",
		diff.ActionUnchanged: " ",
	}
)

// print writes v as indented JSON or through render.
func (c *cli) print(v any, render func(w io.Writer)) error {
	if c.jsonOutput() {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	render(c.out)
	return nil
}

func renderBranches(w io.Writer, branches []client.Branch) {
	for _, b := range branches {
		if b.IsDefault {
			fmt.Fprintf(w, "%s %s\n", titleStyle.Render(b.Name), dimStyle.Render("(default)"))
			continue
		}
		fmt.Fprintf(w, "%s %s\n", titleStyle.Render(b.Name),
			dimStyle.Render(fmt.Sprintf("from %s at %s", b.Origin, formatTime(b.BranchedFrom))))
	}
}

func renderCounters(w io.Writer, c diff.Counters) {
	fmt.Fprintf(w, "  %s  %s  %s  %s\n",
		actionStyles[diff.ActionAdded].Render(fmt.Sprintf("+%d added", c.NumAdded)),
		actionStyles[diff.ActionUpdated].Render(fmt.Sprintf("~%d updated", c.NumUpdated)),
		actionStyles[diff.ActionRemoved].Render(fmt.Sprintf("-%d removed", c.NumRemoved)),
		conflictStyle.Render(fmt.Sprintf("!%d conflicts", c.NumConflicts)))
}

func renderHeader(w io.Writer, base, branch string, from, to time.Time) {
	fmt.Fprintf(w, "%s %s\n",
		titleStyle.Render(base+".."+branch),
		dimStyle.Render(fmt.Sprintf("[%s, %s)", formatTime(from), formatTime(to))))
}

func renderRoot(w io.Writer, root *diff.Root) {
	renderHeader(w, root.BaseBranch, root.DiffBranch, root.FromTime, root.ToTime)
	renderCounters(w, root.Counters)
	for _, n := range root.SortedNodes() {
		name := n.UUID
		if n.Label != "" {
			name = fmt.Sprintf("%s (%s)", n.Label, n.UUID)
		}
		line := fmt.Sprintf("%s %s %s", actionSymbols[n.Action], name, dimStyle.Render(n.Kind))
		if n.NumConflicts > 0 {
			line += " " + conflictStyle.Render(fmt.Sprintf("!%d", n.NumConflicts))
		}
		fmt.Fprintln(w, actionStyles[n.Action].Render(line))

		for _, a := range n.SortedAttributes() {
			for _, p := range diff.SortedProperties(a.Properties) {
				fmt.Fprintf(w, "    %s %s.%s: %s\n", actionSymbols[p.Action], a.Name, p.Type, change(p))
			}
		}
		for _, g := range n.SortedRelationships() {
			for _, rel := range g.SortedRelationships() {
				fmt.Fprintf(w, "    %s %s -> %s\n", actionSymbols[rel.Action], g.Name, rel.PeerID)
			}
		}
	}
}

func renderMetadata(w io.Writer, mds []diff.RootMetadata) {
	for _, md := range mds {
		renderHeader(w, md.BaseBranch, md.DiffBranch, md.FromTime, md.ToTime)
		renderCounters(w, md.Counters)
	}
}

func renderConflicts(w io.Writer, res *client.Conflicts) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(res.BaseBranch+".."+res.Branch),
		dimStyle.Render(fmt.Sprintf("%d conflicts", res.Count)))
	for _, pc := range res.Conflicts {
		c := pc.Conflict
		status := conflictStyle.Render("unresolved")
		if c.Resolved() {
			status = okStyle.Render("selected " + string(c.SelectedBranch))
		}
		fmt.Fprintf(w, "%s %s %s\n", pc.Path, dimStyle.Render(c.UUID), status)
		fmt.Fprintf(w, "    base: %s %s\n", c.BaseBranchAction, quote(c.BaseBranchValue))
		fmt.Fprintf(w, "    diff: %s %s\n", c.DiffBranchAction, quote(c.DiffBranchValue))
	}
}

func change(p *diff.Property) string {
	switch p.Action {
	case diff.ActionAdded:
		return quote(p.NewValue)
	case diff.ActionRemoved:
		return quote(p.PreviousValue)
	}
	return quote(p.PreviousValue) + " -> " + quote(p.NewValue)
}

func quote(s string) string {
	if s == "" {
		return dimStyle.Render("<none>")
	}
	return fmt.Sprintf("%q", s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
