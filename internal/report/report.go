// Package report renders run results for the CLI: a styled outcome banner,
// tabulated receipts, and the journal views. All functions write plain
// UTF-8; lipgloss drops ANSI sequences on dumb terminals so the same code
// path serves pipes and humans.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"grimm.is/rampart/internal/harden"
	"grimm.is/rampart/internal/journal"
	"grimm.is/rampart/internal/probe"
	"grimm.is/rampart/internal/transaction"
)

// Rampart palette, kept close to terminal defaults.
var (
	colorGood = lipgloss.Color("#4ECDC4")
	colorBad  = lipgloss.Color("#FF6B6B")
	colorWarn = lipgloss.Color("#FFE66D")
	colorDim  = lipgloss.Color("#596E79")
)

var (
	styleGood = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
	styleBad  = lipgloss.NewStyle().Foreground(colorBad).Bold(true)
	styleWarn = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	styleDim  = lipgloss.NewStyle().Foreground(colorDim)

	styleBanner = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2)
)

const timeLayout = "2006-01-02 15:04:05"

// Render writes the human-readable run report. Verbose adds the per-step
// breakdown and guard logs.
func Render(w io.Writer, rep *harden.RunReport, verbose bool) {
	banner := outcomeStyle(rep.Outcome).Render(strings.ToUpper(string(rep.Outcome)))
	fmt.Fprintln(w, styleBanner.Render(banner+"\n"+rep.Summary()))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "Target\t%s (%s)\n", rep.Target, rep.Endpoint)
	if rep.Login != "" {
		fmt.Fprintf(tw, "Identity\t%s\n", identityAddr(rep))
	}
	if rep.Probe != nil {
		fmt.Fprintf(tw, "Probe\t%s\n", probeLine(rep.Probe))
	}
	if rep.Bootstrap != nil {
		fmt.Fprintf(tw, "Bootstrap\t%s\n", bootstrapLine(rep))
	}
	fmt.Fprintf(tw, "Duration\t%s\n", duration(rep.StartedAt, rep.FinishedAt))
	tw.Flush()

	if len(rep.Receipts) > 0 {
		fmt.Fprintln(w)
		RenderReceipts(w, rep.Receipts, verbose)
	}

	for _, name := range rep.Skipped {
		fmt.Fprintln(w, styleDim.Render("skipped: "+name))
	}
	for _, warn := range rep.Warnings {
		fmt.Fprintln(w, styleWarn.Render("warning: ")+warn)
	}
	if rep.Err != "" {
		fmt.Fprintln(w, styleBad.Render("error: ")+rep.Err)
	}

	if rep.GeneratedCredential != "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Generated credential for %s (shown once, stored nowhere):\n\n    %s\n\n",
			rep.Login, styleGood.Render(rep.GeneratedCredential))
		fmt.Fprintln(w, styleDim.Render("Record it now; it is the account password for console recovery."))
	}
}

// RenderJSON writes the full report as indented JSON.
func RenderJSON(w io.Writer, rep *harden.RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// RenderReceipts writes the per-payload transaction table.
func RenderReceipts(w io.Writer, recs []*transaction.Receipt, verbose bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "PAYLOAD\tSTATE\tSTEPS\tDURATION\tBACKUP")
	for _, rc := range recs {
		backup := rc.BackupPath
		if backup == "" {
			backup = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			rc.Resource, rc.State, len(rc.Steps), duration(rc.StartedAt, rc.FinishedAt), backup)
	}
	tw.Flush()

	if !verbose {
		return
	}
	for _, rc := range recs {
		fmt.Fprintln(w)
		fmt.Fprintln(w, rc.Resource+" ("+rc.ID+")")
		stw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		for _, st := range rc.Steps {
			status := "ok"
			if !st.OK {
				status = "FAILED"
			}
			line := fmt.Sprintf("  %s\t%s\t%s", st.Name, status, st.Duration.Round(time.Millisecond))
			if st.Err != "" {
				line += "\t" + st.Err
			}
			fmt.Fprintln(stw, line)
		}
		stw.Flush()
		if rc.GuardLog != "" {
			fmt.Fprintln(w, styleDim.Render("guard log:"))
			for _, l := range strings.Split(strings.TrimSpace(rc.GuardLog), "\n") {
				fmt.Fprintln(w, "  "+l)
			}
		}
	}
}

// RenderRuns writes the journal listing, newest first.
func RenderRuns(w io.Writer, runs []journal.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "journal is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTARGET\tOUTCOME\tSTARTED\tDURATION\tRECEIPTS")
	for _, run := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
			run.ID, run.Target, run.Outcome,
			run.StartedAt.Local().Format(timeLayout),
			duration(run.StartedAt, run.FinishedAt), run.Receipts)
	}
	tw.Flush()
}

// RenderProbe writes the standalone probe result.
func RenderProbe(w io.Writer, rep *probe.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "Endpoint\t%s@%s:%d\n", rep.SSHUser, rep.Address, rep.Port)
	fmt.Fprintf(tw, "Status\t%s\n", statusWord(rep))
	if rep.Latency > 0 {
		fmt.Fprintf(tw, "Latency\t%s\n", rep.Latency.Round(time.Millisecond))
	}
	ping := "no"
	if rep.PingOK {
		ping = "yes"
	}
	fmt.Fprintf(tw, "Ping\t%s\n", ping)
	if rep.HostKeyPurged > 0 {
		fmt.Fprintf(tw, "Host keys purged\t%d\n", rep.HostKeyPurged)
	}
	if rep.Err != nil {
		fmt.Fprintf(tw, "Cause\t%v\n", rep.Err)
	}
	tw.Flush()
}

func outcomeStyle(o harden.Outcome) lipgloss.Style {
	switch o {
	case harden.Hardened:
		return styleGood
	case harden.RevertedSafe, harden.Aborted:
		return styleWarn
	default:
		return styleBad
	}
}

func statusWord(rep *probe.Report) string {
	switch rep.Status {
	case probe.Reachable:
		return styleGood.Render(string(rep.Status))
	case probe.AuthRefused:
		return styleWarn.Render(string(rep.Status))
	default:
		return styleBad.Render(string(rep.Status))
	}
}

func probeLine(rep *probe.Report) string {
	if rep.Status != probe.Reachable {
		if rep.Err != nil {
			return fmt.Sprintf("%s (%v)", rep.Status, rep.Err)
		}
		return string(rep.Status)
	}
	line := string(rep.Status)
	if rep.Latency > 0 {
		line += fmt.Sprintf(", ssh %s", rep.Latency.Round(time.Millisecond))
	}
	if rep.PingOK {
		line += ", ping ok"
	}
	return line
}

func bootstrapLine(rep *harden.RunReport) string {
	b := rep.Bootstrap
	var parts []string
	if b.Created {
		parts = append(parts, "identity created")
	} else {
		parts = append(parts, "identity existed")
	}
	if b.CredentialSet {
		parts = append(parts, "credential set")
	}
	if b.KeyInstalled {
		parts = append(parts, "key installed")
	}
	if b.SudoGranted {
		parts = append(parts, "sudo granted")
	}
	return strings.Join(parts, ", ")
}

// identityAddr swaps the bootstrap user for the managed login in the
// endpoint string, e.g. root@203.0.113.10:22 becomes warden@203.0.113.10:22.
func identityAddr(rep *harden.RunReport) string {
	if i := strings.Index(rep.Endpoint, "@"); i >= 0 {
		return rep.Login + rep.Endpoint[i:]
	}
	return rep.Login + "@" + rep.Endpoint
}

func duration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return "-"
	}
	return end.Sub(start).Round(10 * time.Millisecond).String()
}
