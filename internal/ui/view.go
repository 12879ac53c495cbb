package ui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/five82/keel/internal/api"
	"github.com/five82/keel/internal/fetch"
)

var now = time.Now

const maxPayloadLines = 40

// View implements tea.Model.
func (m Model) View() string {
	if m.showHelp {
		return m.renderHelp()
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")
	if len(m.data.Rows) == 0 {
		b.WriteString(m.styles.MutedText.Render("No watches configured. Add [[watch]] tables to the config."))
		b.WriteString("\n")
	} else {
		b.WriteString(m.renderRows())
		b.WriteString("\n")
		b.WriteString(m.renderDetail(m.data.Rows[m.selectedIndex()]))
	}
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	title := m.styles.AccentText.Bold(true).Render("keel")
	last := "never"
	if !m.data.UI.LastRefresh.IsZero() {
		last = m.data.UI.LastRefresh.Local().Format("15:04:05")
	}
	info := m.styles.MutedText.Render(fmt.Sprintf("%d watches · last refresh %s", len(m.data.Rows), last))
	line := lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", info)
	if m.width > 0 {
		return m.styles.Header.Width(m.width).Render(line)
	}
	return m.styles.Header.Render(line)
}

func (m Model) renderRows() string {
	selected := m.selectedIndex()
	var b strings.Builder
	for i, row := range m.data.Rows {
		res := row.Result
		badge := m.styles.StatusStyle(string(res.Status)).Render(statusLabel(res))
		line := fmt.Sprintf("%s %-20s", badge, row.Name)
		if res.IsFetching {
			line += " " + m.spinner.View()
		}
		if res.IsError {
			line += " " + m.styles.DangerText.Render(truncate(res.Error, 60))
		}
		if i == selected {
			line = m.styles.Selected.Render("› " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderDetail(row Row) string {
	res := row.Result
	var b strings.Builder
	field := func(label, value string) {
		b.WriteString(m.styles.FaintText.Render(fmt.Sprintf("%-12s", label)))
		b.WriteString(m.styles.Text.Render(value))
		b.WriteString("\n")
	}

	field("key", res.Key)
	field("subscribers", fmt.Sprintf("%d", res.SubscriberCount))
	if !res.FulfilledAt.IsZero() {
		field("fetched", res.FulfilledAt.Local().Format("15:04:05"))
	}
	if p, ok := res.Progress.(fetch.Progress); ok && res.IsFetching {
		field("progress", progressLabel(p))
	}
	if res.IsError {
		b.WriteString(m.styles.DangerText.Render(res.Error))
		b.WriteString("\n")
		if res.HasData {
			b.WriteString(m.styles.WarningText.Render("showing data from the last successful fetch"))
			b.WriteString("\n")
		}
	}
	if res.HasData {
		b.WriteString(m.styles.Payload.Render(prettyJSON(res.Data, maxPayloadLines)))
		b.WriteString("\n")
	} else if res.IsLoading {
		b.WriteString(m.spinner.View() + m.styles.MutedText.Render(" loading..."))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderFooter() string {
	parts := make([]string, 0, 3)
	for _, k := range m.keys.ShortHelp() {
		h := k.Help()
		parts = append(parts, m.styles.AccentText.Render(h.Key)+" "+h.Desc)
	}
	if m.lastErr != nil {
		parts = append(parts, m.styles.DangerText.Render(m.lastErr.Error()))
	}
	return m.styles.Footer.Render(strings.Join(parts, "  "))
}

func (m Model) renderHelp() string {
	var b strings.Builder
	b.WriteString(m.styles.AccentText.Bold(true).Render("Keys"))
	b.WriteString("\n\n")
	for _, group := range m.keys.FullHelp() {
		for _, k := range group {
			h := k.Help()
			b.WriteString(fmt.Sprintf("  %-8s %s\n", h.Key, h.Desc))
		}
		b.WriteString("\n")
	}
	b.WriteString(m.styles.MutedText.Render("Press any key to close"))
	return b.String()
}

func statusLabel(r api.Result[json.RawMessage]) string {
	switch {
	case r.IsLoading:
		return "loading"
	case r.IsFetching:
		return "refreshing"
	case r.IsSuccess:
		return "ok"
	case r.IsError:
		return "error"
	default:
		return "idle"
	}
}

func progressLabel(p fetch.Progress) string {
	if p.Total > 0 {
		return fmt.Sprintf("%d / %d bytes (%d%%)", p.Read, p.Total, p.Read*100/p.Total)
	}
	return fmt.Sprintf("%d bytes", p.Read)
}

func prettyJSON(raw json.RawMessage, maxLines int) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	lines := strings.Split(buf.String(), "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = append(lines[:maxLines], fmt.Sprintf("… %d more lines", len(lines)-maxLines))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
