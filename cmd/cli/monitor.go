package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	urRtde "ur_rtde"
)

type MonitorCommand struct {
	Interval time.Duration `short:"i" long:"interval" default:"50ms" description:"Telemetry poll interval"`
	Range    float64       `long:"range" default:"3.2" description:"Chart Y range in rad/s (symmetric)"`
}

const (
	headerHeight = 4 // title, modes, pose, blank line
	legendHeight = 2
	borderSize   = 2
)

var jointNames = []string{"base", "shoulder", "elbow", "wrist1", "wrist2", "wrist3"}

// one color per joint
var jointColors = []string{"196", "208", "226", "46", "51", "201"}

var chartStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))

type monitorModel struct {
	host     string
	interval time.Duration
	updates  <-chan urRtde.Snapshot
	chart    *streamlinechart.Model
	last     urRtde.Snapshot
	width    int
	height   int
	samples  int
	quitting bool
	lost     bool
}

type snapshotMsg urRtde.Snapshot
type streamClosedMsg struct{}

func waitForSnapshot(ch <-chan urRtde.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

func newMonitorModel(host string, interval time.Duration, yRange float64, updates <-chan urRtde.Snapshot) monitorModel {
	chart := streamlinechart.New(80, 20, streamlinechart.WithYRange(-yRange, yRange))
	for i, name := range jointNames {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[i]))
		chart.SetDataSetStyles(name, runes.ThinLineStyle, style)
	}
	return monitorModel{
		host:     host,
		interval: interval,
		updates:  updates,
		chart:    &chart,
	}
}

func (m *monitorModel) resizeChart() {
	w := m.width - borderSize - 2
	if w < 40 {
		w = 40
	}
	h := m.height - headerHeight - legendHeight - borderSize
	if h < 10 {
		h = 10
	}
	m.chart.Resize(w, h)
}

func (m monitorModel) Init() tea.Cmd {
	return waitForSnapshot(m.updates)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case snapshotMsg:
		snap := urRtde.Snapshot(msg)
		m.last = snap
		m.samples++
		for i, v := range snap.ActualQd {
			if i < len(jointNames) {
				m.chart.PushDataSet(jointNames[i], v)
			}
		}
		m.chart.DrawAll()
		return m, waitForSnapshot(m.updates)

	case streamClosedMsg:
		m.lost = true
		return m, tea.Quit
	}
	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}
	if m.lost {
		return "Telemetry stream ended.\n"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("UR monitor " + m.host))
	sb.WriteString(dimStyle.Render(fmt.Sprintf("  every %v, %d samples", m.interval, m.samples)))
	sb.WriteString("\n")

	running := "stopped"
	if m.last.ProgramRunning {
		running = "running"
	}
	sb.WriteString(fmt.Sprintf("mode %s  safety %s  program %s\n",
		modeName(robotModes, m.last.RobotMode), modeName(safetyModes, m.last.SafetyMode), running))
	sb.WriteString(fmt.Sprintf("tcp %s\n\n", formatFloats(m.last.ActualTCPPose, 3)))

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")
	sb.WriteString(renderLegend())
	sb.WriteString("\n")
	sb.WriteString(dimStyle.Render("Press 'q' to quit"))
	return sb.String()
}

func renderLegend() string {
	items := make([]string, len(jointNames))
	for i, name := range jointNames {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[i])).Bold(true)
		items[i] = colorStyle.Render("━━") + " " + name
	}
	return strings.Join(items, "  ")
}

func (c *MonitorCommand) Execute(args []string) error {
	s, err := opts.connect()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := newMonitorModel(opts.Host, c.Interval, c.Range, s.Subscribe(ctx, c.Interval))
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running monitor: %w", err)
	}
	return nil
}
