package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// runCmd drives the engine in the foreground. The CLI holds the
// controller session for as long as it runs; closing it stops the
// engine, the same as any controller going away.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine in the foreground and follow its logs",
	Long:  "Starts the engine with the given config and streams its output. The engine stops when this command exits.",
	RunE:  runEngine,
}

func init() {
	runCmd.Flags().StringP("file", "f", "", "engine config file (required)")
	runCmd.Flags().Int("interval", 600, "log batch interval in milliseconds")
	runCmd.Flags().Bool("plain", false, "print logs without the interactive viewer")
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		return fmt.Errorf("a config file is required (-f)")
	}
	config, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	intervalMS, _ := cmd.Flags().GetInt("interval")
	plain, _ := cmd.Flags().GetBool("plain")

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := apiPost("/v1/start", map[string]string{"config": string(config)}); err != nil {
		return err
	}
	if err := s.waitFor("started", 10*time.Second); err != nil {
		return err
	}

	if _, err := apiPost("/v1/logs", map[string]int{"interval_ms": intervalMS}); err != nil {
		return err
	}

	if plain || !term.IsTerminal(int(os.Stdout.Fd())) {
		return followPlain(s)
	}
	return followTUI(s)
}

// followPlain prints log batches until the stream closes or the user
// interrupts.
func followPlain(s *session) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			return nil
		case ev, ok := <-s.events:
			if !ok {
				return fmt.Errorf("session closed by agent")
			}
			switch ev.Kind {
			case "logs":
				fmt.Print(ev.Data)
				if !strings.HasSuffix(ev.Data, "\n") {
					fmt.Println()
				}
			case "stopped":
				fmt.Fprintln(os.Stderr, "engine stopped")
				return nil
			}
		}
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	footerStyle = lipgloss.NewStyle().Faint(true)
)

type logEventMsg sseEvent

type sessionClosedMsg struct{}

// followModel is the interactive log viewer: a viewport fed by the
// session's log events.
type followModel struct {
	session  *session
	viewport viewport.Model
	lines    []string
	stopped  bool
	ready    bool
}

func followTUI(s *session) error {
	m := followModel{session: s}
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m followModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.session.events
		if !ok {
			return sessionClosedMsg{}
		}
		return logEventMsg(ev)
	}
}

func (m followModel) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m followModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 1
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))

	case logEventMsg:
		switch msg.Kind {
		case "logs":
			for _, line := range strings.Split(strings.TrimRight(msg.Data, "\n"), "\n") {
				m.lines = append(m.lines, line)
			}
			if m.ready {
				m.viewport.SetContent(strings.Join(m.lines, "\n"))
				m.viewport.GotoBottom()
			}
		case "stopped":
			m.stopped = true
		}
		return m, m.waitForEvent()

	case sessionClosedMsg:
		m.stopped = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m followModel) View() string {
	if !m.ready {
		return "connecting..."
	}
	state := "running"
	if m.stopped {
		state = "stopped"
	}
	header := headerStyle.Render("xray logs — " + state)
	footer := footerStyle.Render("q to quit (stops the engine)")
	return header + "\n" + m.viewport.View() + "\n" + footer
}
