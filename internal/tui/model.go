package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"gonum.org/v1/gonum/mat"

	"bertemb/internal/similarity"
)

// Model is the Bubble Tea model for browsing a similarity matrix. One input
// is selected at a time and the others are listed by similarity to it.
type Model struct {
	labels   []string
	sim      mat.Matrix
	title    string
	input    textinput.Model
	viewport viewport.Model
	visible  []int
	status   string
	cursor   int
	ready    bool
	filter   string
}

// New creates a new explorer over labels and their pairwise similarities.
func New(labels []string, sim mat.Matrix, title string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Filter labels and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	m := Model{labels: labels, sim: sim, title: title, input: ti, viewport: vp}
	m.applyFilter("")
	m.status = fmt.Sprintf("%d inputs. Up/down to select.", len(labels))
	return m
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		totalHeaderLines := 2 // title + subtitle
		totalFooterLines := 1 // status
		reserved := totalHeaderLines + totalFooterLines + qh + 1
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderCurrent())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			m.applyFilter(strings.TrimSpace(m.input.Value()))
			if len(m.visible) == 0 {
				m.status = fmt.Sprintf("No labels match %q", m.filter)
			} else if m.filter != "" {
				m.status = fmt.Sprintf("%d/%d inputs match %q", len(m.visible), len(m.labels), m.filter)
			} else {
				m.status = fmt.Sprintf("%d inputs. Up/down to select.", len(m.labels))
			}
			m.viewport.SetContent(m.renderCurrent())
			return m, nil
		case "down":
			if len(m.visible) > 0 {
				m.cursor = (m.cursor + 1) % len(m.visible)
				m.viewport.SetContent(m.renderCurrent())
				return m, nil
			}
		case "up":
			if len(m.visible) > 0 {
				m.cursor = (m.cursor - 1 + len(m.visible)) % len(m.visible)
				m.viewport.SetContent(m.renderCurrent())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the TUI layout and the ranking for the selected input.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Sentence Similarity")
	subtitle := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.title)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + subtitle + "\n" + results + "\n" + input + "\n" + status
}

// Selected returns the index of the highlighted input, or -1.
func (m Model) Selected() int {
	if len(m.visible) == 0 {
		return -1
	}
	return m.visible[m.cursor]
}

func (m *Model) applyFilter(filter string) {
	m.filter = filter
	m.cursor = 0
	m.visible = nil
	needle := strings.ToLower(filter)
	for i, l := range m.labels {
		if needle == "" || strings.Contains(strings.ToLower(l), needle) {
			m.visible = append(m.visible, i)
		}
	}
}

func (m Model) renderCurrent() string {
	sel := m.Selected()
	if sel < 0 {
		return "Nothing selected."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Input %d/%d  %s\n\n", m.cursor+1, len(m.visible), highlightStyle.Render(m.labels[sel]))
	for _, n := range similarity.Rank(m.sim, sel) {
		fmt.Fprintf(&sb, "%7.4f %s %s\n", n.Score, bar(n.Score, 20), m.labels[n.Index])
	}
	return strings.TrimRight(sb.String(), "\n")
}

// bar draws a cosine score in [-1, 1] as a fixed-width gauge.
func bar(score float64, width int) string {
	filled := int((score + 1) / 2 * float64(width))
	filled = min(max(filled, 0), width)
	return barStyle.Render(strings.Repeat("█", filled)) + strings.Repeat("░", width-filled)
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	barStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)
