package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fpang/mirage/internal/cli"
	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/playground"
)

// snapshotMsg carries a playground change into the UI loop.
type snapshotMsg playground.Snapshot

// pickedMsg is the result of the native file dialog.
type pickedMsg struct {
	path     string
	canceled bool
	err      error
}

type theme struct {
	header    lipgloss.Style
	tagActive lipgloss.Style
	tagIdle   lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	errorText lipgloss.Style
	muted     lipgloss.Style
	footer    lipgloss.Style
}

func newTheme() theme {
	accent := lipgloss.Color("#7aa2f7")
	muted := lipgloss.Color("#737aa2")
	return theme{
		header:    lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1),
		tagActive: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#1a1b26")).Background(accent).Padding(0, 1),
		tagIdle:   lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
		user:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#9ece6a")),
		assistant: lipgloss.NewStyle().Bold(true).Foreground(accent),
		errorText: lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")),
		muted:     lipgloss.NewStyle().Foreground(muted),
		footer:    lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
	}
}

type model struct {
	pg      *playground.Controller
	updates chan playground.Snapshot
	snap    playground.Snapshot

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    theme

	// pick opens the file dialog; replaced in tests.
	pick   func(title string) (string, bool, error)
	status string
	width  int
	height int
}

func newModel(pg *playground.Controller) model {
	input := textinput.New()
	input.Prompt = "› "
	input.Placeholder = "Describe what you want, or /image <path>"
	input.CharLimit = 4000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := model{
		pg:       pg,
		updates:  make(chan playground.Snapshot, 16),
		snap:     pg.Snapshot(),
		input:    input,
		timeline: viewport.New(80, 20),
		spinner:  sp,
		theme:    newTheme(),
		pick:     cli.PickImage,
	}
	pg.Subscribe(keepLatest(m.updates))
	return m
}

// keepLatest forwards snapshots without blocking the controller. When the UI
// falls behind, the oldest queued snapshot is dropped so the newest always
// gets through.
func keepLatest(updates chan playground.Snapshot) func(playground.Snapshot) {
	return func(s playground.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForSnapshot(m.updates))
}

func waitForSnapshot(ch <-chan playground.Snapshot) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(<-ch)
	}
}

func (m model) pickCmd() tea.Cmd {
	pick := m.pick
	return func() tea.Msg {
		path, canceled, err := pick("Attach an image")
		return pickedMsg{path: path, canceled: canceled, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.timeline.Width = msg.Width
		m.timeline.Height = max(3, msg.Height-5)
		m.input.Width = max(10, msg.Width-4)
		m.refresh()

	case snapshotMsg:
		if msg.Version >= m.snap.Version {
			m.snap = playground.Snapshot(msg)
			m.refresh()
		}
		cmds = append(cmds, waitForSnapshot(m.updates))

	case pickedMsg:
		switch {
		case msg.err != nil:
			m.status = "File picker failed: " + msg.err.Error()
		case !msg.canceled:
			m.attach(msg.path)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.snap.Submitting {
			m.refresh()
		}
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			m.submit()
			return m, nil
		case "tab":
			m.nextTag()
			return m, nil
		case "ctrl+o":
			return m, m.pickCmd()
		case "ctrl+x":
			m.pg.ClearDraftImage()
			m.snap = m.pg.Snapshot()
			return m, nil
		case "ctrl+r":
			m.pg.Reset()
			m.snap = m.pg.Snapshot()
			m.status = ""
			m.refresh()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		m.pg.SetDraftText(m.input.Value())
		cmds = append(cmds, cmd)

	default:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// submit handles enter: slash commands act locally, anything else is sent.
func (m *model) submit() {
	value := strings.TrimSpace(m.input.Value())
	if path, ok := strings.CutPrefix(value, "/image "); ok {
		m.attach(strings.TrimSpace(path))
		m.input.Reset()
		m.pg.SetDraftText("")
		return
	}

	m.pg.SetDraftText(m.input.Value())
	if _, err := m.pg.Send(); err != nil {
		m.status = sendErrorText(err)
		m.snap = m.pg.Snapshot()
		return
	}
	m.input.Reset()
	m.status = ""
	m.snap = m.pg.Snapshot()
	m.refresh()
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, playground.ErrEmptyDraft):
		return "Type a message or attach an image first."
	case errors.Is(err, playground.ErrBusy):
		return "Still waiting for the last reply."
	case errors.Is(err, playground.ErrTagRequired):
		return playground.ErrTagRequired.Message
	}
	return err.Error()
}

func (m *model) attach(path string) {
	u, err := filehandler.LoadImageFile(path)
	if err == nil {
		err = m.pg.AttachDraftImage(u)
	}
	if err != nil {
		m.status = err.Error()
		return
	}
	m.status = ""
	m.snap = m.pg.Snapshot()
}

func (m *model) nextTag() {
	next := playground.Tags[0].ID
	for i, t := range playground.Tags {
		if t.ID == m.snap.Tag {
			next = playground.Tags[(i+1)%len(playground.Tags)].ID
			break
		}
	}
	if err := m.pg.SelectTag(next); err == nil {
		m.snap = m.pg.Snapshot()
		m.status = ""
	}
}

func (m *model) refresh() {
	m.timeline.SetContent(m.renderTurns())
	m.timeline.GotoBottom()
}

func (m model) renderTurns() string {
	if len(m.snap.Turns) == 0 {
		return m.theme.muted.Render("Pick a tag with tab, attach an image with ctrl+o, then say what you want.")
	}
	var b strings.Builder
	for _, t := range m.snap.Turns {
		switch {
		case t.Role == playground.RoleUser:
			b.WriteString(m.theme.user.Render("You"))
			if tag, ok := playground.LookupTag(t.Tag); ok {
				b.WriteString(m.theme.muted.Render(" · " + tag.Title))
			}
			b.WriteString("\n")
			if t.Text != "" {
				b.WriteString(t.Text + "\n")
			}
			if t.Image != "" {
				b.WriteString(m.theme.muted.Render("[image attached]") + "\n")
			}
		case t.Pending:
			b.WriteString(m.theme.assistant.Render("Mirage") + "\n")
			b.WriteString(m.spinner.View() + " thinking…\n")
		default:
			b.WriteString(m.theme.assistant.Render("Mirage") + "\n")
			if t.Text == playground.ErrorReply {
				b.WriteString(m.theme.errorText.Render(t.Text) + "\n")
			} else {
				b.WriteString(t.Text + "\n")
			}
			if t.Image != "" {
				b.WriteString(m.theme.muted.Render("[image in reply, open the web UI to view]") + "\n")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m model) renderTags() string {
	parts := make([]string, 0, len(playground.Tags))
	for _, t := range playground.Tags {
		if t.ID == m.snap.Tag {
			parts = append(parts, m.theme.tagActive.Render(t.Title))
		} else {
			parts = append(parts, m.theme.tagIdle.Render(t.Title))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m model) renderFooter() string {
	var parts []string
	if d := m.snap.DraftImage; d != nil {
		parts = append(parts, fmt.Sprintf("📎 %s (%s)", d.Name, filehandler.FormatSize(d.Size)))
	}
	if m.status != "" {
		parts = append(parts, m.theme.errorText.Render(m.status))
	} else if m.snap.Notice != "" {
		parts = append(parts, m.theme.errorText.Render(m.snap.Notice))
	}
	if len(parts) == 0 {
		parts = append(parts, "enter send · tab tag · ctrl+o image · ctrl+r new chat · ctrl+c quit")
	}
	return m.theme.footer.Render(strings.Join(parts, "  "))
}

func (m model) View() string {
	header := lipgloss.JoinHorizontal(lipgloss.Center, m.theme.header.Render("Mirage"), m.renderTags())
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.timeline.View(),
		m.input.View(),
		m.renderFooter(),
	)
}
