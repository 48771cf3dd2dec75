package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/packsyncd/internal/state"
	"github.com/schaermu/packsyncd/internal/sync"
)

// report is the machine-readable form of a checked plan.
type report struct {
	PackID        string          `json:"packId" yaml:"pack_id"`
	Version       string          `json:"version" yaml:"version"`
	UpToDate      bool            `json:"upToDate" yaml:"up_to_date"`
	DownloadBytes int64           `json:"downloadBytes" yaml:"download_bytes"`
	Adds          []sync.Decision `json:"adds" yaml:"adds"`
	Updates       []sync.Decision `json:"updates" yaml:"updates"`
	Deletes       []sync.Decision `json:"deletes" yaml:"deletes"`
	Keeps         []sync.Decision `json:"keeps" yaml:"keeps"`
	Skipped       []sync.Decision `json:"skipped" yaml:"skipped"`
	Renames       []sync.Rename   `json:"renames" yaml:"renames"`
	Compatibility []string        `json:"compatibility,omitempty" yaml:"compatibility,omitempty"`
}

func newReport(plan *sync.Plan, problems []string) report {
	return report{
		PackID:        plan.PackID,
		Version:       plan.Version,
		UpToDate:      plan.Empty(),
		DownloadBytes: plan.DownloadSize(),
		Adds:          nonNil(plan.Adds),
		Updates:       nonNil(plan.Updates),
		Deletes:       nonNil(plan.Deletes),
		Keeps:         nonNil(plan.Keeps),
		Skipped:       nonNil(plan.Skipped),
		Renames:       append([]sync.Rename{}, plan.Renames...),
		Compatibility: problems,
	}
}

func nonNil(d []sync.Decision) []sync.Decision {
	return append([]sync.Decision{}, d...)
}

func writeReport(w io.Writer, format string, r report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		writeText(w, r)
		return nil
	}
}

func writeText(w io.Writer, r report) {
	_, _ = fmt.Fprintf(w, "Pack %s version %s\n", r.PackID, r.Version)
	for _, p := range r.Compatibility {
		_, _ = fmt.Fprintf(w, "warning: %s\n", p)
	}
	if r.UpToDate {
		_, _ = fmt.Fprintln(w, "Up to date.")
		return
	}

	writeDecisions(w, r.Adds)
	writeDecisions(w, r.Updates)
	writeDecisions(w, r.Deletes)
	for _, d := range r.Keeps {
		if d.Reason != sync.ReasonUnchanged {
			writeDecision(w, d)
		}
	}
	_, _ = fmt.Fprintf(w, "%d to add, %d to update, %d to delete, %s to download\n",
		len(r.Adds), len(r.Updates), len(r.Deletes), humanize.Bytes(uint64(r.DownloadBytes)))
}

func writeDecisions(w io.Writer, decisions []sync.Decision) {
	for _, d := range decisions {
		writeDecision(w, d)
	}
}

func writeDecision(w io.Writer, d sync.Decision) {
	line := fmt.Sprintf("  %-6s %s (%s)", d.Action, d.Path, d.Reason)
	if d.From != "" {
		line += " from " + d.From
	}
	if d.Label != "" {
		line += " [" + d.Label + "]"
	}
	_, _ = fmt.Fprintln(w, line)
}

func printOutcome(w io.Writer, out *sync.Outcome) {
	if !out.Changed && len(out.Failed) == 0 {
		_, _ = fmt.Fprintln(w, "Up to date.")
		return
	}
	_, _ = fmt.Fprintf(w, "Update done: %d added, %d updated, %d moved, %d deleted\n",
		len(out.Added), len(out.Updated), len(out.Moved), len(out.Deleted))
	for _, f := range out.Failed {
		suffix := ""
		if f.Staged {
			suffix = " (will be replaced on next start)"
		}
		_, _ = fmt.Fprintf(w, "  failed %s: %s%s\n", f.Path, f.Error, suffix)
	}
	for _, warn := range out.Warnings {
		_, _ = fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}

func printPending(w io.Writer, p state.Pending) {
	if p.Empty() {
		_, _ = fmt.Fprintln(w, "No pending operations.")
		return
	}
	for _, rel := range p.Delete {
		_, _ = fmt.Fprintf(w, "delete  %s\n", rel)
	}
	for _, r := range p.Replace {
		_, _ = fmt.Fprintf(w, "replace %s <- %s\n", r.To, r.From)
	}
}

// linePrompter asks for confirmation on a terminal.
type linePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

func (p *linePrompter) Confirm(_ context.Context, plan *sync.Plan) (bool, error) {
	writeText(p.out, newReport(plan, nil))
	_, _ = fmt.Fprint(p.out, "Apply these changes? [y/N] ")

	answer, err := p.in.ReadString('\n')
	if err != nil && answer == "" {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// lineReporter prints progress lines.
type lineReporter struct {
	w io.Writer
}

func (r *lineReporter) Report(status string) {
	if status != "" {
		_, _ = fmt.Fprintln(r.w, status)
	}
}
