package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hooke003/sidekick/internal/protocol"
)

type command struct {
	name string
	arg  string
}

// parseInput splits a chat line into a slash command and its argument. Plain
// text, and text starting with "//", is a message.
func parseInput(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

// messageText undoes the "//" escape of a line that starts with a slash.
func messageText(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "//") {
		return line[1:]
	}
	return line
}

func statusGlyph(m protocol.Message) string {
	switch m.State {
	case protocol.StatePending:
		return "…"
	case protocol.StateSent:
		return "✓"
	case protocol.StateDelivered:
		return "✓✓"
	case protocol.StateFailed:
		if m.Failure != "" {
			return "✗ " + m.Failure
		}
		return "✗"
	}
	return ""
}

func body(m protocol.Message) string {
	if !m.Kind.IsMedia() {
		return m.Text
	}
	var s strings.Builder
	fmt.Fprintf(&s, "[%s", m.Kind)
	if m.Media != nil {
		if m.Media.Width > 0 && m.Media.Height > 0 {
			fmt.Fprintf(&s, " %d×%d", m.Media.Width, m.Media.Height)
		}
		fmt.Fprintf(&s, "] %s", m.Media.URI)
	} else {
		s.WriteString("]")
	}
	if m.Text != "" {
		s.WriteString(" " + m.Text)
	}
	return s.String()
}

// stamp is a clock time for today's messages and a relative time otherwise.
func stamp(t, now time.Time) string {
	y1, m1, d1 := t.Local().Date()
	y2, m2, d2 := now.Local().Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return t.Local().Format("15:04")
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func preview(m protocol.Message, width int) string {
	text := strings.ReplaceAll(body(m), "\n", " ")
	if width > 1 && len([]rune(text)) > width {
		return string([]rune(text)[:width-1]) + "…"
	}
	return text
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
