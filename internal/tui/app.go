// internal/tui/app.go
//
// This is the develop-session dashboard for strata. It uses bubbletea, which
// follows The Elm Architecture:
//
// 1. Model: Your application state
// 2. Update: A function that updates state based on messages
// 3. View: A function that renders state to a string
//
// The flow is: Status/Key -> Message -> Update -> New Model -> View -> Screen

package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/strataforge/strata/internal/develop"
	"github.com/strataforge/strata/internal/journal"
)

const journalRefreshInterval = time.Second

// stateLabels maps machine states to the labels shown on the dashboard.
var stateLabels = map[develop.State]string{
	develop.StateInitializing:     "Bootstrapping",
	develop.StateInitializingData: "Sourcing data",
	develop.StateRunningQueries:   "Running queries",
	develop.StateStartingBundler:  "Starting bundler",
	develop.StateRecompiling:      "Recompiling",
	develop.StateWaiting:          "Watching for changes",
	develop.StateRecreatingPages:  "Recreating pages",
}

type statusMsg develop.Status

type journalTickMsg struct{}

type statusClosedMsg struct{}

// App is the dashboard model. It observes the orchestrator; the only inputs
// it feeds back are quit and the manual query-run hotkey.
type App struct {
	orc        *develop.Orchestrator
	journal    *journal.Journal
	webhookURL string
	siteTitle  string

	status     develop.Status
	hasStatus  bool
	journalTop []string
	spinner    spinner.Model
	statusNote string

	width  int
	height int
}

// Option customizes App construction.
type Option func(*App)

// WithWebhookURL shows the ingest endpoint in the header.
func WithWebhookURL(url string) Option {
	return func(a *App) {
		a.webhookURL = strings.TrimSpace(url)
	}
}

// WithSiteTitle shows the project name in the header.
func WithSiteTitle(title string) Option {
	return func(a *App) {
		if strings.TrimSpace(title) != "" {
			a.siteTitle = strings.TrimSpace(title)
		}
	}
}

// NewApp creates the dashboard bound to a running orchestrator.
func NewApp(orc *develop.Orchestrator, j *journal.Journal, opts ...Option) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	app := &App{
		orc:       orc,
		journal:   j,
		siteTitle: "strata",
		spinner:   sp,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.awaitStatus(), a.scheduleJournalTick(), a.spinner.Tick)
}

// awaitStatus blocks on the orchestrator's status stream.
func (a *App) awaitStatus() tea.Cmd {
	return func() tea.Msg {
		update, ok := <-a.orc.StatusUpdates()
		if !ok {
			return statusClosedMsg{}
		}
		return statusMsg(update)
	}
}

func (a *App) scheduleJournalTick() tea.Cmd {
	return tea.Tick(journalRefreshInterval, func(time.Time) tea.Msg {
		return journalTickMsg{}
	})
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case statusMsg:
		a.status = develop.Status(msg)
		a.hasStatus = true
		return a, a.awaitStatus()

	case statusClosedMsg:
		return a, tea.Quit

	case journalTickMsg:
		a.journalTop = a.journal.Tail(10)
		return a, a.scheduleJournalTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.orc.Dispatch(develop.ExtractQueriesNow{})
			a.statusNote = "Query run requested"
			return a, nil
		}
	}
	return a, nil
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render(fmt.Sprintf("▲ STRATA · %s", a.siteTitle))

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(40, width-2))

	sections := []string{
		header,
		panel.Render(a.renderStatePanel()),
	}
	if journalPanel := a.renderJournalPanel(panel); journalPanel != "" {
		sections = append(sections, journalPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.renderFooter())
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderStatePanel() string {
	if !a.hasStatus {
		return fmt.Sprintf("%s Starting session...", a.spinner.View())
	}
	label := stateLabels[a.status.State]
	if label == "" {
		label = string(a.status.State)
	}
	stateLine := label
	if a.status.ServiceInFlight {
		stateLine = fmt.Sprintf("%s %s", a.spinner.View(), label)
	}
	lines := []string{
		fmt.Sprintf("State: %s", stateLine),
		fmt.Sprintf("Session: %s", a.status.SessionID),
	}
	var flags []string
	if a.status.SourceFilesDirty {
		flags = append(flags, "sources dirty")
	}
	if a.status.NodesMutated {
		flags = append(flags, "data changed")
	}
	if a.status.QueuedMutations > 0 {
		flags = append(flags, fmt.Sprintf("%d queued mutation(s)", a.status.QueuedMutations))
	}
	if a.status.ReloadInFlight {
		flags = append(flags, "reload in flight")
	}
	if len(flags) > 0 {
		lines = append(lines, fmt.Sprintf("Pending: %s", strings.Join(flags, " · ")))
	}
	if a.status.CompilerSet {
		lines = append(lines, "Bundler: running")
	} else {
		lines = append(lines, "Bundler: not started")
	}
	if a.webhookURL != "" {
		lines = append(lines, fmt.Sprintf("Webhook: %s/__refresh", a.webhookURL))
	}
	if a.status.LastError != "" {
		errLine := lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Render(fmt.Sprintf("⚠ %s", a.status.LastError))
		lines = append(lines, errLine)
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderJournalPanel(panel lipgloss.Style) string {
	if a.journal == nil || len(a.journalTop) == 0 {
		return ""
	}
	fileName := filepath.Base(a.journal.Path())
	if fileName == "." || fileName == "" {
		fileName = "journal"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("JOURNAL · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(a.journalTop, "\n"))
	return panel.Render(fmt.Sprintf("%s\n%s", head, body))
}

func (a *App) renderFooter() string {
	hints := "r → run queries now    q → quit"
	if a.statusNote != "" {
		return fmt.Sprintf("%s    %s", a.statusNote, hints)
	}
	return hints
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
