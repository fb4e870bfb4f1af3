// Package dashboard renders a live terminal view of every bound VirtIO
// instance and its current queue depths, in the style mirendev-runtime
// builds its operator TUIs: bubbletea for the event loop, bubbles for the
// table widget, lipgloss for styling.
package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vbroker/broker/instance"
	"github.com/vbroker/broker/reqtable"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	footerStyle = lipgloss.NewStyle().Faint(true)
)

// Snapshot is one instance's row of data, refreshed on a tick.
type Snapshot struct {
	ID            instance.ID
	FrontendVM    string
	BackendVM     string
	Priority      uint32
	Polling       bool
	BackendDepth  int
	FrontendDepth int
}

// Source supplies the data the dashboard polls. A production caller wires
// this to the live Registry and reqtable.Set; tests wire in a fixed slice.
type Source interface {
	Snapshots() []Snapshot
}

// registrySource adapts a *instance.Registry + *reqtable.Set pair into a
// Source.
type registrySource struct {
	registry *instance.Registry
	tables   *reqtable.Set
}

// NewSource builds the Source the dashboard's Model normally runs against.
func NewSource(registry *instance.Registry, tables *reqtable.Set) Source {
	return &registrySource{registry: registry, tables: tables}
}

func (s *registrySource) Snapshots() []Snapshot {
	insts := s.registry.All()
	out := make([]Snapshot, 0, len(insts))
	for _, inst := range insts {
		t := s.tables.For(inst.ID)
		t.Lock()
		backendDepth := t.Backend.Len()
		frontendDepth := t.Frontend.Len()
		t.Unlock()

		out = append(out, Snapshot{
			ID:            inst.ID,
			FrontendVM:    inst.FrontendVM,
			BackendVM:     inst.BackendVM,
			Priority:      inst.Priority,
			Polling:       inst.Polling,
			BackendDepth:  backendDepth,
			FrontendDepth: frontendDepth,
		})
	}
	return out
}

// tickMsg drives periodic refresh.
type tickMsg time.Time

// Model is the bubbletea model backing the dashboard.
type Model struct {
	source   Source
	table    table.Model
	interval time.Duration
}

// NewModel builds a dashboard Model polling src every interval.
func NewModel(src Source, interval time.Duration) Model {
	columns := []table.Column{
		{Title: "Instance", Width: 8},
		{Title: "Frontend", Width: 16},
		{Title: "Backend", Width: 16},
		{Title: "Prio", Width: 4},
		{Title: "Poll", Width: 4},
		{Title: "BEQ", Width: 5},
		{Title: "FEQ", Width: 5},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(15))
	return Model{source: src, table: t, interval: interval}
}

func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		m.table.SetRows(rowsFromSnapshots(m.source.Snapshots()))
		return m, m.tick()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	return headerStyle.Render("VirtIO broker — instance status") + "\n" +
		m.table.View() + "\n" +
		footerStyle.Render("q to quit")
}

func rowsFromSnapshots(snaps []Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(snaps))
	for _, s := range snaps {
		poll := "no"
		if s.Polling {
			poll = "yes"
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", s.ID),
			s.FrontendVM,
			s.BackendVM,
			fmt.Sprintf("%d", s.Priority),
			poll,
			fmt.Sprintf("%d", s.BackendDepth),
			fmt.Sprintf("%d", s.FrontendDepth),
		})
	}
	return rows
}
