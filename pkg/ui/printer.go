package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/mentor/pkg/eventbus"
	"github.com/go-go-golems/mentor/pkg/session"
	"github.com/go-go-golems/mentor/pkg/transcript"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	deltaStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	finalStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// Printer renders turn and status events as a running terminal transcript.
// Streaming turns are printed incrementally.
type Printer struct {
	w io.Writer

	mu         sync.Mutex
	printed    map[string]string
	seen       map[string]bool
	lastStatus session.Status
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{
		w:       w,
		printed: map[string]string{},
		seen:    map[string]bool{},
	}
}

// AddPrettyHandlers registers the printer on the bus.
func AddPrettyHandlers(bus *eventbus.Bus, w io.Writer) (*Printer, error) {
	p := NewPrinter(w)
	if err := bus.AddHandler("pretty-turns", session.TopicTurns, p.HandleTurn); err != nil {
		return nil, err
	}
	if err := bus.AddHandler("pretty-status", session.TopicStatus, p.HandleStatus); err != nil {
		return nil, err
	}
	return p, nil
}

// PrintHistory prints already completed turns, for example after resuming.
func (p *Printer) PrintHistory(turns []transcript.Turn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range turns {
		p.seen[t.ID] = true
		switch t.Role {
		case transcript.RoleUser:
			fmt.Fprintln(p.w, userStyle.Render("you ›")+" "+t.Content)
		default:
			fmt.Fprintln(p.w, headerStyle.Render("mentor ›")+" "+t.Content)
		}
	}
}

func (p *Printer) HandleTurn(msg *message.Message) error {
	defer msg.Ack()
	ev, err := session.DecodeTurnEvent(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renderTurn(ev.Turn)
	return nil
}

func (p *Printer) renderTurn(t transcript.Turn) {
	if t.Role == transcript.RoleUser {
		if !p.seen[t.ID] {
			p.seen[t.ID] = true
			fmt.Fprintln(p.w, userStyle.Render("you ›")+" "+t.Content)
		}
		return
	}

	printed, started := p.printed[t.ID]
	if !started {
		if p.seen[t.ID] {
			return
		}
		p.seen[t.ID] = true
		_, _ = fmt.Fprint(p.w, headerStyle.Render("mentor ›")+" ")
	}

	switch {
	case t.Thinking:
		if !started {
			fmt.Fprintln(p.w, dimStyle.Render(t.Content))
		}
		p.printed[t.ID] = ""
		return
	case t.Streaming:
		if strings.HasPrefix(t.Content, printed) {
			if delta := t.Content[len(printed):]; delta != "" {
				_, _ = fmt.Fprint(p.w, deltaStyle.Render(delta))
			}
		}
		p.printed[t.ID] = t.Content
		return
	}

	// Finalized.
	delete(p.printed, t.ID)
	switch {
	case t.Content == transcript.ApologyText:
		if printed != "" {
			fmt.Fprintln(p.w, "")
		}
		fmt.Fprintln(p.w, errorStyle.Render(t.Content))
	case t.Content == printed || strings.TrimSpace(t.Content) == strings.TrimSpace(printed):
		fmt.Fprintln(p.w, "")
	default:
		if printed != "" {
			fmt.Fprintln(p.w, "")
		}
		fmt.Fprintln(p.w, finalStyle.Render(t.Content))
	}
}

func (p *Printer) HandleStatus(msg *message.Message) error {
	defer msg.Ack()
	ev, err := session.DecodeStatusEvent(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.lastStatus
	p.lastStatus = ev.Status
	if ev.Error != "" {
		fmt.Fprintln(p.w, errorStyle.Render("Error: ")+ev.Error)
	}
	if ev.Status.Listening != prev.Listening {
		if ev.Status.Listening {
			fmt.Fprintln(p.w, subHeaderStyle.Render("[mic] listening, /stop to send"))
		} else {
			fmt.Fprintln(p.w, subHeaderStyle.Render("[mic] stopped"))
		}
	}
	if prev.Connected && !ev.Status.Connected {
		fmt.Fprintln(p.w, subHeaderStyle.Render("[i] disconnected"))
	}
	return nil
}
