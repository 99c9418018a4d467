// Package ui renders CLI output.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tgthr/fieldsync/internal/audit"
	"github.com/tgthr/fieldsync/internal/outbox"
	fsync "github.com/tgthr/fieldsync/internal/sync"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"}).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"}).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"}).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"})
	titleStyle  = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	labelStyle  = lipgloss.NewStyle().Width(22)
)

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

type row struct {
	label string
	value string
}

func table(title string, rows []row) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, labelStyle.Render(r.label+":")+r.value)
	}
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), strings.Join(lines, "\n"))
}

func countRows(c fsync.Counts) []row {
	return []row{
		{"Programs", fmt.Sprint(c.Programs)},
		{"Participants", fmt.Sprint(c.Participants)},
		{"Enrollments", fmt.Sprintf("%d (%d active)", c.Enrollments, c.ActiveEnrollments)},
		{"Benefit assignments", fmt.Sprint(c.BenefitAssignments)},
	}
}

// RenderCounts formats the result of a sync cycle.
func RenderCounts(c fsync.Counts, elapsed time.Duration) string {
	title := RenderPass("✓") + " Sync complete in " + elapsed.Round(time.Millisecond).String()
	rows := countRows(c)
	dropped := fmt.Sprint(c.Dropped)
	if c.Dropped > 0 {
		dropped = RenderWarn(dropped)
	}
	rows = append(rows, row{"Dropped", dropped})
	return table(title, rows)
}

// RenderStatus formats a status report.
func RenderStatus(st fsync.SyncStatus, cachePath string) string {
	health := RenderPass(st.Health)
	if st.Health != fsync.HealthHealthy {
		health = RenderFail(st.Health)
	}

	last := RenderMuted("never")
	if st.LastSyncTime != nil {
		last = st.LastSyncTime.Local().Format("2006-01-02 15:04:05")
	}

	rows := []row{
		{"Cache", cachePath},
		{"Health", health},
		{"State", string(st.State)},
		{"Last sync", last},
		{"Cursor version", fmt.Sprint(st.CursorVersion)},
	}
	rows = append(rows, countRows(st.Counts)...)
	rows = append(rows,
		row{"Pending outbox", pending(st.PendingOutbox)},
		row{"Pending audit", pending(st.PendingAudit)},
	)
	if st.Error != "" {
		rows = append(rows, row{"Error", RenderFail(st.Error)})
	}
	return table(RenderAccent("●")+" Sync status", rows)
}

func pending(n int) string {
	if n > 0 {
		return RenderWarn(fmt.Sprint(n))
	}
	return fmt.Sprint(n)
}

// RenderRetry formats an outbox retry pass, one line per item.
func RenderRetry(sum outbox.RetrySummary) string {
	if sum.Attempted == 0 {
		return RenderPass("✓") + " Outbox is empty"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s Retried %d item(s): %d synced, %d still pending\n",
		RenderAccent("↻"), sum.Attempted, sum.Synced, sum.Failed)
	for _, r := range sum.Results {
		if r.Synced {
			fmt.Fprintf(&b, "  %s %s -> %s\n", RenderPass("✓"), r.LocalID, r.RemoteID)
		} else {
			fmt.Fprintf(&b, "  %s %s %s\n", RenderWarn("⚠"), r.LocalID, RenderMuted(r.Warning))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderDrain formats an audit queue drain.
func RenderDrain(sum audit.DrainSummary) string {
	mark := RenderPass("✓")
	if sum.Remaining > 0 {
		mark = RenderWarn("⚠")
	}
	return fmt.Sprintf("%s Delivered %d of %d queued audit record(s), %d remaining",
		mark, sum.Delivered, sum.Attempted, sum.Remaining)
}
