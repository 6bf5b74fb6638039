// Package statusview is the Bubble Tea monitor for sync activity. It
// renders the status board's snapshots: per-folder state, accounts
// awaiting reauthentication, queue depth, and cache occupancy.
package statusview

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/keys"
	"github.com/nhle/mailsync/internal/status"
	"github.com/nhle/mailsync/internal/theme"
)

// Foregrounder is the slice of the lifecycle driver the view needs.
type Foregrounder interface {
	SetForeground(fg bool)
	Wake()
}

// boardUpdateMsg carries a fresh snapshot from the status board.
type boardUpdateMsg struct {
	snap status.Snapshot
}

// Model is the Bubble Tea model for the sync monitor.
type Model struct {
	board     *status.Board
	lifecycle Foregrounder

	snap       status.Snapshot
	foreground bool
	spinner    spinner.Model
	keymap     *keys.KeyMap

	width, height int
}

// New creates the monitor view. The driver starts in foreground mode
// because the monitor itself is on screen.
func New(board *status.Board, lifecycle Foregrounder) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		board:      board,
		lifecycle:  lifecycle,
		foreground: true,
		spinner:    sp,
		keymap:     keys.DefaultKeyMap(),
	}
}

// Init starts the spinner and the board subscription.
func (m Model) Init() tea.Cmd {
	if m.lifecycle != nil {
		m.lifecycle.SetForeground(true)
	}
	return tea.Batch(m.spinner.Tick, m.waitForUpdate())
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case boardUpdateMsg:
		m.snap = msg.snap
		return m, m.waitForUpdate()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keymap.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keymap.Background):
			m.foreground = !m.foreground
			if m.lifecycle != nil {
				m.lifecycle.SetForeground(m.foreground)
			}
			return m, nil
		case key.Matches(msg, m.keymap.Refresh):
			if m.lifecycle != nil {
				m.lifecycle.Wake()
			}
			return m, nil
		}
	}
	return m, nil
}

// View renders the monitor.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(theme.HeaderStyle.Render("mailsync"))
	b.WriteString("  ")
	if m.foreground {
		b.WriteString(m.spinner.View() + " foreground")
	} else {
		b.WriteString(lipgloss.NewStyle().Foreground(theme.ColorGray).Render("background"))
	}
	b.WriteString("\n\n")

	if reauth := m.reauthAccounts(); len(reauth) > 0 {
		warn := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorRed)
		b.WriteString(warn.Render("Sign-in required: " + strings.Join(reauth, ", ")))
		b.WriteString("\n\n")
	}

	if len(m.snap.Folders) == 0 {
		empty := lipgloss.NewStyle().Foreground(theme.ColorGray).Italic(true)
		b.WriteString(empty.Render("No folders synced yet."))
		b.WriteString("\n")
	} else {
		for _, f := range m.snap.Folders {
			b.WriteString(m.renderFolder(f))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(theme.StatusBarStyle.Render(fmt.Sprintf(
		"queue %d | cache %s", m.snap.QueueDepth, humanBytes(m.snap.CacheBytes),
	)))
	b.WriteString("\n")
	b.WriteString(theme.HelpStyle.Render(m.helpLine()))

	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}

// renderFolder renders one folder line with its color-coded state.
func (m Model) renderFolder(f status.FolderStatus) string {
	label := theme.StatusStyle(string(f.State)).Render(string(f.State))

	line := fmt.Sprintf("%s  %s/%s", label, f.AccountID, f.FolderID)
	if f.Message != "" {
		detail := f.Message
		if f.IsAuthError {
			detail = "sign-in required"
		}
		line += "  " + lipgloss.NewStyle().Foreground(theme.ColorGray).Render(detail)
	}
	return theme.ListItemStyle.Render(line)
}

// reauthAccounts lists accounts currently frozen on an auth error.
func (m Model) reauthAccounts() []string {
	var out []string
	for _, a := range m.snap.Accounts {
		if a.NeedsReauth {
			out = append(out, a.AccountID)
		}
	}
	return out
}

// helpLine formats the keymap's short help for the footer.
func (m Model) helpLine() string {
	var parts []string
	for _, b := range m.keymap.ShortHelp() {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " | ")
}

// waitForUpdate blocks on the board's update channel and delivers a
// fresh snapshot.
func (m Model) waitForUpdate() tea.Cmd {
	board := m.board
	return func() tea.Msg {
		<-board.Updates()
		return boardUpdateMsg{snap: board.Snapshot()}
	}
}

// humanBytes formats a byte count for the status bar.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
