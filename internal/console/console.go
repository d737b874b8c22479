// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package console provides an interactive terminal for sending commands to a game server.
//
// Lines are sent to the server verbatim. Lines starting with ':' name a dispatcher action instead,
// as in ":whitelist add Steve".
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/schultz-is/rcon-admin/dispatch"
)

// DefaultMaxLines is the number of output lines kept in the scrollback.
const DefaultMaxLines = 1000

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	inputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205"))

	echoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Runner executes console input.
type Runner interface {
	Raw(ctx context.Context, command string) (string, error)
	Run(ctx context.Context, action dispatch.Action, args ...string) (string, error)
}

// resultMsg carries the outcome of one submitted line back into the update loop.
type resultMsg struct {
	output string
	err    error
}

// Model is the bubbletea model of the console.
type Model struct {
	ctx     context.Context
	runner  Runner
	address string

	viewport viewport.Model
	input    textinput.Model
	ready    bool

	lines    []string
	maxLines int

	history []string
	histPos int

	busy bool
}

// New creates a console [Model] sending input to runner. address is shown in the title bar.
func New(ctx context.Context, runner Runner, address string) *Model {
	ti := textinput.New()
	ti.Placeholder = "Type a command or :action..."
	ti.CharLimit = 1024
	ti.Width = 50
	ti.Focus()

	return &Model{
		ctx:      ctx,
		runner:   runner,
		address:  address,
		input:    ti,
		maxLines: DefaultMaxLines,
	}
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			return m, m.submit()

		case tea.KeyUp:
			m.recall(-1)
			return m, nil

		case tea.KeyDown:
			m.recall(1)
			return m, nil
		}

	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-3)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 3
		}
		m.input.Width = msg.Width - 4
		m.refresh()

	case resultMsg:
		m.busy = false
		if msg.err != nil {
			m.addLine(errorStyle.Render(fmt.Sprintf("%s error: %v", dispatch.KindOf(msg.err), msg.err)))
		} else if msg.output != "" {
			m.addLine(msg.output)
		}
		return m, nil
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// submit consumes the input line and returns the command running it.
func (m *Model) submit() tea.Cmd {
	if m.busy {
		return nil
	}
	line := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")
	if line == "" {
		return nil
	}
	if line == "exit" || line == "quit" {
		return tea.Quit
	}

	m.history = append(m.history, line)
	m.histPos = len(m.history)
	m.addLine(echoStyle.Render("> " + line))
	m.busy = true

	ctx, runner := m.ctx, m.runner
	return func() tea.Msg {
		out, err := execute(ctx, runner, line)
		return resultMsg{output: out, err: err}
	}
}

func execute(ctx context.Context, runner Runner, line string) (string, error) {
	if !strings.HasPrefix(line, ":") {
		return runner.Raw(ctx, line)
	}
	fields := strings.Fields(strings.TrimPrefix(line, ":"))
	if len(fields) == 0 {
		return "", errors.New("missing action name")
	}
	return runner.Run(ctx, dispatch.Action(fields[0]), fields[1:]...)
}

// recall moves through the input history by delta.
func (m *Model) recall(delta int) {
	if len(m.history) == 0 {
		return
	}
	m.histPos = max(0, min(len(m.history), m.histPos+delta))
	if m.histPos == len(m.history) {
		m.input.SetValue("")
		return
	}
	m.input.SetValue(m.history[m.histPos])
	m.input.CursorEnd()
}

func (m *Model) addLine(s string) {
	m.lines = append(m.lines, strings.Split(s, "\n")...)
	if m.maxLines > 0 && len(m.lines) > m.maxLines {
		m.lines = m.lines[len(m.lines)-m.maxLines:]
	}
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.content())
	m.viewport.GotoBottom()
}

// content returns the scrollback word wrapped to the viewport width.
func (m *Model) content() string {
	content := strings.Join(m.lines, "\n")
	if m.viewport.Width > 0 {
		content = wordwrap.String(content, m.viewport.Width)
	}
	return content
}

func (m *Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	help := "Enter: send • :action args: dispatcher action • ↑/↓: history • Ctrl+C/Esc: quit"
	if m.busy {
		help = "Waiting for server..."
	}

	return fmt.Sprintf(
		"%s\n%s\n%s\n%s",
		titleStyle.Render("rcon-admin - "+m.address),
		m.viewport.View(),
		inputStyle.Render("> "+m.input.View()),
		helpStyle.Render(help),
	)
}

// Run starts the console on the terminal and blocks until the user quits or ctx is done.
func Run(ctx context.Context, runner Runner, address string) error {
	p := tea.NewProgram(New(ctx, runner, address), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
