package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/wabt"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

type interactiveModel struct {
	err      error
	ctx      context.Context
	opts     *common
	tk       *wabt.Toolkit
	closeTk  func() error
	module   *wabt.Module
	features wabt.Features
	filename string
	result   string
	funcs    []wabt.Export
	input    textinput.Model
	selected int
	state    modelState
}

type loadedMsg struct {
	err     error
	tk      *wabt.Toolkit
	closeTk func() error
	mod     *wabt.Module
	funcs   []wabt.Export
}

type callResultMsg struct {
	err    error
	result string
}

func newInteractiveModel(opts *common, filename string, features wabt.Features) *interactiveModel {
	return &interactiveModel{
		ctx:      context.Background(),
		opts:     opts,
		filename: filename,
		features: features,
		state:    stateSelectFunc,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadModule
}

func (m *interactiveModel) loadModule() tea.Msg {
	tk, closeTk, err := openToolkit(m.ctx, m.opts)
	if err != nil {
		return loadedMsg{err: err}
	}
	mod, err := load(m.ctx, tk, m.filename, m.features, true, false)
	if err != nil {
		_ = closeTk()
		return loadedMsg{err: err}
	}
	list, err := mod.Exports(m.ctx)
	if err != nil {
		_ = closeTk()
		return loadedMsg{err: err}
	}

	var funcs []wabt.Export
	for _, ex := range list {
		if ex.Kind == wabt.ExportFunc {
			funcs = append(funcs, ex)
		}
	}
	if len(funcs) == 0 {
		_ = closeTk()
		return loadedMsg{err: fmt.Errorf("%s exports no functions", m.filename)}
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Name < funcs[j].Name })
	return loadedMsg{tk: tk, closeTk: closeTk, mod: mod, funcs: funcs}
}

func (m *interactiveModel) shutdown() {
	if m.closeTk != nil {
		_ = m.closeTk()
		m.closeTk = nil
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.shutdown()
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				m.shutdown()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.prepareInput()
				m.state = stateInputArgs
				return m, textinput.Blink

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
			return m, nil

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
			return m, nil
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.tk = msg.tk
		m.closeTk = msg.closeTk
		m.module = msg.mod
		m.funcs = msg.funcs

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) prepareInput() {
	ti := textinput.New()
	ti.Placeholder = "i32:1 2 f64:0.5"
	ti.Prompt = "args: "
	ti.Width = 40
	ti.Focus()
	m.input = ti
}

func (m *interactiveModel) callFunction() tea.Msg {
	if m.module == nil {
		return callResultMsg{err: fmt.Errorf("module not loaded")}
	}
	words, err := parseWords(strings.Fields(m.input.Value()))
	if err != nil {
		return callResultMsg{err: err}
	}

	var results []uint64
	err = errors.Catch(func() error {
		var err error
		results, err = m.module.Run(m.ctx, m.funcs[m.selected].Name, words)
		return err
	})
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: formatWords(results)}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if len(m.funcs) == 0 {
		return "Loading module..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("WABT Runner"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			line := fmt.Sprintf("%s (func %d)", f.Name, f.Index)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + funcStyle.Render(line))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.Name)))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("space separated words • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.Name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}
	return b.String()
}

func runInteractive(opts *common, filename string, features wabt.Features) error {
	m := newInteractiveModel(opts, filename, features)
	defer m.shutdown()
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
