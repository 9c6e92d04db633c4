package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/orchestrator"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	senderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	deletedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// renderer prints views incrementally: messages already shown are printed
// again only when they change.
type renderer struct {
	mu      sync.Mutex
	w       io.Writer
	shown   map[string]domain.Message
	lastErr string
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, shown: make(map[string]domain.Message)}
}

// header prints the conversation banner once, after the first load.
func (r *renderer) header(v orchestrator.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := fmt.Sprintf("%s  %d messages", v.Key, len(v.Messages))
	fmt.Fprintln(r.w, headerStyle.Render(line))
	if v.HasMoreOlder {
		fmt.Fprintln(r.w, hintStyle.Render("  (older history available, use --older)"))
	}
}

// view prints what changed since the last call.
func (r *renderer) view(v orchestrator.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range v.Messages {
		prev, seen := r.shown[m.ID]
		switch {
		case !seen:
			fmt.Fprintln(r.w, formatMessage(m))
		case prev.Type != m.Type || prev.IsRead != m.IsRead:
			fmt.Fprintln(r.w, formatMessage(m)+timeStyle.Render("  (edited)"))
		default:
			continue
		}
		r.shown[m.ID] = m
	}
	if v.Err != "" && v.Err != r.lastErr {
		fmt.Fprintln(r.w, errStyle.Render("! "+v.Err))
	}
	r.lastErr = v.Err
}

func formatMessage(m domain.Message) string {
	var b strings.Builder
	b.WriteString(timeStyle.Render(m.SentAt.Local().Format("15:04:05")))
	b.WriteString(" ")
	b.WriteString(senderStyle.Render(m.SenderID))
	b.WriteString(": ")
	switch m.Type {
	case domain.TypeDeleted:
		b.WriteString(deletedStyle.Render("message deleted"))
	case domain.TypeImage, domain.TypeFile:
		b.WriteString("[" + string(m.Type) + "] " + m.Content)
	default:
		b.WriteString(m.Content)
	}
	if m.IsRead {
		b.WriteString(timeStyle.Render(" ✓"))
	}
	return b.String()
}
