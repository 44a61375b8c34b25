// Package tui is the interactive traffic dump browser.
package tui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/r9s-ai/provider-relay/internal/dumpstore"
)

type viewerState int

const (
	stateList viewerState = iota
	stateDetail
)

type keyMap struct {
	Open   key.Binding
	Back   key.Binding
	Reload key.Binding
	Quit   key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Open, k.Reload, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Open, k.Back, k.Reload},
		{k.Quit},
	}
}

var keys = keyMap{
	Open:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "open")),
	Back:   key.NewBinding(key.WithKeys("esc", "b"), key.WithHelp("esc/b", "back")),
	Reload: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reload")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	faintStyle = lipgloss.NewStyle().Faint(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type dumpItem struct {
	sum dumpstore.Summary
}

func (i dumpItem) Title() string {
	timeText := "-"
	if ts := i.sum.When(); !ts.IsZero() {
		timeText = ts.Format("2006-01-02 15:04:05")
	}
	name := i.sum.Model
	if name == "" {
		name = "-"
	}
	api := i.sum.API
	if api == "" {
		api = "-"
	}
	return fmt.Sprintf("%s  %s  %s  %s", timeText, dumpstore.StatusText(i.sum), api, name)
}

func (i dumpItem) Description() string {
	d := fmt.Sprintf("rid=%s retries=%d file=%s", i.sum.Label(), i.sum.Retries, i.sum.FileName)
	if i.sum.Error != "" {
		d += " error=" + i.sum.Error
	}
	return d
}

func (i dumpItem) FilterValue() string {
	parts := []string{i.sum.API, i.sum.Model, i.sum.URLPath, i.sum.Method, i.sum.RequestID, dumpstore.StatusText(i.sum)}
	if i.sum.Stream != nil {
		parts = append(parts, fmt.Sprintf("stream=%t", *i.sum.Stream))
	}
	return strings.ToLower(strings.Join(parts, " "))
}

type model struct {
	dir   string
	limit int

	state viewerState
	list  list.Model
	vp    viewport.Model
	help  help.Model

	width  int
	height int

	selectedPath string
	lastLoaded   time.Time
	err          error
}

type listMsg struct {
	items []dumpstore.Summary
	err   error
}

type fileMsg struct {
	path    string
	content string
	err     error
}

func newModel(dir string, limit int) model {
	d := list.NewDefaultDelegate()
	d.ShowDescription = true
	d.SetSpacing(0)

	l := list.New(nil, d, 0, 0)
	l.Title = "Traffic Dumps"
	l.SetShowHelp(false)
	l.SetFilteringEnabled(true)
	l.SetShowFilter(true)
	l.DisableQuitKeybindings()

	return model{
		dir:   strings.TrimSpace(dir),
		limit: limit,
		state: stateList,
		list:  l,
		vp:    viewport.New(0, 0),
		help:  help.New(),
	}
}

func (m model) Init() tea.Cmd {
	return m.loadCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case listMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		items := make([]list.Item, 0, len(msg.items))
		for _, s := range msg.items {
			items = append(items, dumpItem{sum: s})
		}
		cmd := m.list.SetItems(items)
		m.lastLoaded = time.Now()
		m.err = nil
		return m, cmd

	case fileMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.selectedPath = msg.path
		m.vp.SetContent(msg.content)
		m.vp.GotoTop()
		m.state = stateDetail
		m.err = nil
		m.resize()
		return m, nil

	case tea.KeyMsg:
		if m.state == stateList && m.list.FilterState() == list.Filtering {
			break
		}
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case m.state == stateDetail && key.Matches(msg, keys.Back):
			m.state = stateList
			m.resize()
			return m, nil
		case key.Matches(msg, keys.Reload):
			return m, m.loadCmd()
		case m.state == stateList && key.Matches(msg, keys.Open):
			it, ok := m.list.SelectedItem().(dumpItem)
			if !ok {
				return m, nil
			}
			return m, readFileCmd(it.sum.Path)
		}
	}

	var cmd tea.Cmd
	switch m.state {
	case stateList:
		m.list, cmd = m.list.Update(msg)
	case stateDetail:
		m.vp, cmd = m.vp.Update(msg)
	}
	return m, cmd
}

func (m model) View() string {
	var b strings.Builder
	switch m.state {
	case stateList:
		b.WriteString(titleStyle.Render(fmt.Sprintf("Traffic Dumps  dir=%s  limit=%d", m.dir, m.limit)))
		b.WriteString("\n")
		if !m.lastLoaded.IsZero() {
			b.WriteString(faintStyle.Render("loaded: " + m.lastLoaded.Format(time.RFC3339)))
			b.WriteString("\n")
		}
		if m.err != nil {
			b.WriteString(errStyle.Render("error: " + m.err.Error()))
			b.WriteString("\n\n")
		}
		b.WriteString(m.list.View())
		b.WriteString("\n")
		b.WriteString(faintStyle.Render("Tip: press / to filter (api/model/path/status/rid), esc to clear filter"))
		b.WriteString("\n")
	case stateDetail:
		b.WriteString(titleStyle.Render("Dump File  " + m.selectedPath))
		b.WriteString("\n")
		if m.err != nil {
			b.WriteString(errStyle.Render("error: " + m.err.Error()))
			b.WriteString("\n\n")
		}
		b.WriteString(m.vp.View())
		b.WriteString("\n")
	}
	b.WriteString(m.help.View(keys))
	return b.String()
}

func (m *model) resize() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	const helpHeight = 1
	switch m.state {
	case stateList:
		// header, optional loaded line, optional error, tip, help
		header := 2
		if !m.lastLoaded.IsZero() {
			header++
		}
		if m.err != nil {
			header += 2
		}
		m.list.SetSize(m.width, max(m.height-header-1-helpHeight, 5))
	case stateDetail:
		header := 1
		if m.err != nil {
			header += 2
		}
		m.vp.Width = m.width
		m.vp.Height = max(m.height-header-helpHeight, 5)
	}
}

func (m model) loadCmd() tea.Cmd {
	dir, limit := m.dir, m.limit
	return func() tea.Msg {
		items, err := dumpstore.List(dumpstore.ListOptions{Dir: dir, Limit: limit})
		return listMsg{items: items, err: err}
	}
}

func readFileCmd(path string) tea.Cmd {
	return func() tea.Msg {
		b, err := os.ReadFile(path) // #nosec G304 -- path comes from the listed dump dir.
		if err != nil {
			return fileMsg{path: path, err: err}
		}
		return fileMsg{path: path, content: string(b)}
	}
}

// Run opens the dump browser on dir until the user quits.
func Run(dir string, limit int, in io.Reader, out io.Writer) error {
	p := tea.NewProgram(newModel(dir, limit), tea.WithInput(in), tea.WithOutput(out), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui run failed: %w", err)
	}
	return nil
}
