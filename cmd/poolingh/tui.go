package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/poolingh/poolingh/internal/ghpool"
	"github.com/poolingh/poolingh/internal/observability"
)

var (
	dashPrimary = lipgloss.Color("#00FFFF")
	dashAccent  = lipgloss.Color("#00FF88")
	dashWarn    = lipgloss.Color("#FFB86C")
	dashGrey    = lipgloss.Color("241")

	dashHeaderStyle = lipgloss.NewStyle().Foreground(dashPrimary).Bold(true)
	dashLabelStyle  = lipgloss.NewStyle().Foreground(dashGrey)
	dashValueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)
	dashBoxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type dashModel struct {
	queue   *ghpool.Queue
	metrics *observability.Metrics
	start   time.Time
	prog    progress.Model
	quit    bool
}

type dashTickMsg time.Time

func newDashModel(queue *ghpool.Queue, metrics *observability.Metrics) dashModel {
	return dashModel{
		queue:   queue,
		metrics: metrics,
		start:   time.Now(),
		prog:    progress.New(progress.WithScaledGradient("#00FFFF", "#00FF88"), progress.WithoutPercentage()),
	}
}

func (m dashModel) Init() tea.Cmd {
	return m.tick()
}

func (m dashModel) tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return dashTickMsg(t)
	})
}

func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quit = true
			m.queue.Stop()
			return m, tea.Quit
		}
	case dashTickMsg:
		return m, m.tick()
	}
	return m, nil
}

func (m dashModel) View() string {
	var s strings.Builder

	s.WriteString(dashHeaderStyle.Render("poolingh — live dashboard"))
	s.WriteString("  ")
	s.WriteString(dashLabelStyle.Render(fmt.Sprintf("elapsed %s", time.Since(m.start).Round(time.Second))))
	s.WriteString("\n\n")

	clients := m.queue.GetClients()
	authorized := 0
	busy := 0
	for _, c := range clients {
		if c.IsAuthorized() {
			authorized++
		}
		if c.IsBusy() {
			busy++
		}
	}

	var frac float64
	if len(clients) > 0 {
		frac = float64(busy) / float64(len(clients))
	}

	poolBox := dashBoxStyle.BorderForeground(dashPrimary).Render(fmt.Sprintf(
		"%s\n%s %s\n%s %s\n%s %s",
		dashHeaderStyle.Render("Pool"),
		dashLabelStyle.Render("Clients:"), dashValueStyle.Render(fmt.Sprintf("%d authorized / %d total", authorized, len(clients))),
		dashLabelStyle.Render("Busy:"), dashValueStyle.Render(fmt.Sprintf("%d", busy)),
		dashLabelStyle.Render("Backlog:"), dashValueStyle.Render(fmt.Sprintf("%d", m.queue.GetQueueLength())),
	))

	p50, p90, p99 := m.metrics.LatencyPercentiles()
	latencyBox := dashBoxStyle.BorderForeground(dashAccent).Render(fmt.Sprintf(
		"%s\n%s %s\n%s %s\n%s %s",
		dashHeaderStyle.Render("Latency"),
		dashLabelStyle.Render("p50:"), dashValueStyle.Render(fmt.Sprintf("%dms", p50)),
		dashLabelStyle.Render("p90:"), dashValueStyle.Render(fmt.Sprintf("%dms", p90)),
		dashLabelStyle.Render("p99:"), dashValueStyle.Render(fmt.Sprintf("%dms", p99)),
	))

	failBox := dashBoxStyle.BorderForeground(dashWarn).Render(fmt.Sprintf(
		"%s\n%s %s\n%s %s",
		dashHeaderStyle.Render("Failures"),
		dashLabelStyle.Render("URLs at budget:"), dashValueStyle.Render(fmt.Sprintf("%d", m.queue.GetRequestFailCount())),
		dashLabelStyle.Render("Bytes:"), dashValueStyle.Render(fmt.Sprintf("%d", m.metrics.BytesDownloaded.Load())),
	))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, poolBox, latencyBox, failBox))
	s.WriteString("\n\n")
	s.WriteString(m.prog.ViewAs(frac))
	s.WriteString("\n\n")
	s.WriteString(dashLabelStyle.Render("press q to stop and exit"))

	return s.String()
}

// runDashboard drives the live TUI until the user quits or the dispatch
// loop exits on its own (stop, or global error budget exhausted).
func runDashboard(queue *ghpool.Queue, metrics *observability.Metrics) error {
	p := tea.NewProgram(newDashModel(queue, metrics))

	done := make(chan struct{})
	go func() {
		queue.Wait()
		close(done)
	}()
	go func() {
		<-done
		p.Quit()
	}()

	_, err := p.Run()
	return err
}
