package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"docrag/internal/domain"
)

// Backend is the TUI-facing subset of the engine, with the embedder and
// generator already bound.
type Backend interface {
	Retrieve(ctx context.Context, query string, k int) ([]domain.QueryResult, error)
	Answer(ctx context.Context, question string, k int) (string, error)
}

type resultsMsg struct {
	query   string
	results []domain.QueryResult
	err     error
}

type answerMsg struct {
	question string
	text     string
	err      error
}

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	ctx       context.Context
	backend   Backend
	topK      int
	input     textinput.Model
	viewport  viewport.Model
	results   []domain.QueryResult
	answer    string
	summary   string
	status    string
	cursor    int
	ready     bool
	busy      bool
	lastQuery string
}

// New creates a new TUI model instance.
func New(ctx context.Context, backend Backend, topK int, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type query and press Enter, ctrl+g to answer"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		ctx:      ctx,
		backend:  backend,
		topK:     topK,
		input:    ti,
		viewport: vp,
		summary:  summary,
		status:   "Loaded. Type to search.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) search(q string) tea.Cmd {
	return func() tea.Msg {
		res, err := m.backend.Retrieve(m.ctx, q, m.topK)
		return resultsMsg{query: q, results: res, err: err}
	}
}

func (m Model) ask(q string) tea.Cmd {
	return func() tea.Msg {
		text, err := m.backend.Answer(m.ctx, q, m.topK)
		return answerMsg{question: q, text: text, err: err}
	}
}

// Update handles key, window and backend events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around result and query boxes
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header + summary, status, spacer
		vh := msg.Height - reserved
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.render())
		return m, nil
	case resultsMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.results = nil
		} else {
			m.status = fmt.Sprintf("%d results for %q", len(msg.results), msg.query)
			m.results = msg.results
			m.cursor = 0
			m.lastQuery = msg.query
		}
		m.answer = ""
		m.viewport.SetContent(m.render())
		return m, nil
	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		} else {
			m.status = fmt.Sprintf("Answer for %q", msg.question)
			m.answer = msg.text
		}
		m.viewport.SetContent(m.render())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" && !m.busy {
				m.busy = true
				m.status = "Searching..."
				return m, m.search(q)
			}
			return m, nil
		case "ctrl+g":
			q := strings.TrimSpace(m.input.Value())
			if q == "" {
				q = m.lastQuery
			}
			if q != "" && !m.busy {
				m.busy = true
				m.status = "Generating answer..."
				return m, m.ask(q)
			}
			return m, nil
		case "down":
			if len(m.results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.results)
				m.viewport.SetContent(m.render())
				return m, nil
			}
		case "up":
			if len(m.results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.results)) % len(m.results)
				m.viewport.SetContent(m.render())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("docrag")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) render() string {
	var b strings.Builder
	if m.answer != "" {
		b.WriteString(answerStyle.Render("Answer"))
		b.WriteString("\n")
		b.WriteString(m.answer)
		b.WriteString("\n\n")
	}
	b.WriteString(m.renderCurrentResult())
	return b.String()
}

func (m Model) renderCurrentResult() string {
	if len(m.results) == 0 {
		return "No results yet."
	}
	r := m.results[m.cursor]
	title := fmt.Sprintf("Result %d/%d  score=%.3f", m.cursor+1, len(m.results), r.Score)
	source := sourceStyle.Render(fmt.Sprintf("%s @ %d  (chunk %d)", r.SourceID, r.Offset, r.ChunkID))
	body := highlightBestSentence(r.Text, m.lastQuery)
	return title + "\n" + source + "\n\n" + body
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	sourceStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	answerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe     = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	tokens := unicodeWordRe.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
