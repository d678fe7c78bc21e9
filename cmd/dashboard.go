package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"github.com/ovhl/bidding-server/pkg/types"
	"github.com/ovhl/bidding-server/pkg/utils"
)

var (
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	baseStyle  = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
)

type statusSource interface {
	Statuses(ctx context.Context) ([]types.LeagueAuctionStatus, error)
}

type clientCounter interface {
	ClientCount() int
}

// logBuffer collects log output for the dashboard. The logger writes from
// every goroutine while the dashboard reads on its own.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Every(5*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// model is the operator dashboard: league windows in one tab, logs in the other.
type model struct {
	leagues   statusSource
	clients   clientCounter
	clock     clockwork.Clock
	table     table.Model
	viewport  viewport.Model
	logBuf    *logBuffer
	logs      []string
	connected int
	showTable bool
	quitting  bool
}

func (m model) Init() tea.Cmd {
	return tick()
}

func newDashboard(leagues statusSource, clients clientCounter, clock clockwork.Clock, logs *logBuffer) model {
	columns := []table.Column{
		{Title: "LEAGUE", Width: 10},
		{Title: "STATE", Width: 12},
		{Title: "TIER", Width: 6},
		{Title: "ENDS IN", Width: 20},
		{Title: "NEXT START", Width: 22},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows([]table.Row{}),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	vp := viewport.New(100, 15)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)

	m := model{
		leagues:   leagues,
		clients:   clients,
		clock:     clock,
		table:     t,
		viewport:  vp,
		logBuf:    logs,
		showTable: true,
	}
	m.refresh()
	return m
}

func (m *model) refresh() {
	m.connected = m.clients.ClientCount()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	statuses, err := m.leagues.Statuses(ctx)
	if err != nil {
		log.Error("Error getting league statuses", "error", err)
		return
	}
	m.table.SetRows(statusRows(statuses, m.clock.Now()))
}

func statusRows(statuses []types.LeagueAuctionStatus, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(statuses))
	for _, st := range statuses {
		state := "idle"
		endsIn := "-"
		if st.Active {
			state = "bidding"
			endsIn = "ended"
			if left := st.EndTime.Sub(now); left > 0 {
				endsIn = left.Truncate(time.Second).String()
			}
		}
		next := "-"
		if st.ScheduledStart != nil {
			next = st.ScheduledStart.Local().Format("Jan 02 15:04")
			if !st.Active {
				state = "scheduled"
			}
		}
		rows = append(rows, table.Row{
			strings.ToUpper(st.LeagueID),
			state,
			fmt.Sprint(st.TierLevel),
			endsIn,
			next,
		})
	}
	return rows
}

func (m *model) reloadLogs() {
	m.logs = strings.Split(m.logBuf.String(), "\n")
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tickMsg:
		if m.showTable {
			m.refresh()
		} else {
			m.reloadLogs()
		}
		return m, tick()

	case tea.KeyMsg:
		switch msg.String() {
		case "up":
			if !m.showTable {
				m.viewport.LineUp(1)
			}
		case "down":
			if !m.showTable {
				m.viewport.LineDown(1)
			}
		case "tab":
			m.showTable = !m.showTable
			if !m.showTable {
				m.reloadLogs()
			}
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	}

	if m.showTable {
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	}
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.quitting {
		return "Bye!\n"
	}
	help := helpStyle.Render("• tab: switch modes • q: exit\n")
	if m.showTable {
		header := titleStyle.Render(fmt.Sprintf("OVHL free agency • %d connected", m.connected))
		return header + "\n" + baseStyle.Render(m.table.View()) + "\n" + help
	}

	styledLogs := utils.ColorizeLogs(append([]string(nil), m.logs...))
	// only show last 15 lines of logs
	if len(styledLogs) > 15 {
		styledLogs = styledLogs[len(styledLogs)-15:]
	}
	m.viewport.SetContent(strings.Join(styledLogs, "\n"))
	return m.viewport.View() + "\n" + help
}
