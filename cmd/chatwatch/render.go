package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"marketplace-chat/internal/chatclient"
	"marketplace-chat/internal/domain"
)

// renderer prints what changed since the last snapshot: the unread badge,
// the list while it is open, and new messages in expanded windows.
type renderer struct {
	mu       sync.Mutex
	w        io.Writer
	unread   int
	listSig  string
	seen     map[string]map[string]bool
	rendered bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, seen: map[string]map[string]bool{}}
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format, args...)
}

func (r *renderer) render(snap chatclient.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.rendered || snap.Unread != r.unread {
		fmt.Fprintf(r.w, "[unread: %d]\n", snap.Unread)
		r.unread = snap.Unread
	}
	r.rendered = true

	if snap.State.ListOpen {
		if sig := listSignature(snap.Conversations); sig != r.listSig {
			r.listSig = sig
			writeConversations(r.w, snap.Conversations)
		}
	} else {
		r.listSig = ""
	}

	open := map[string]bool{}
	for _, w := range snap.State.Windows {
		open[w.ID] = true
		seen := r.seen[w.ID]
		if seen == nil {
			seen = map[string]bool{}
			r.seen[w.ID] = seen
		}
		if w.IsMinimized {
			continue
		}
		for _, m := range w.Messages {
			if seen[m.ID] || strings.HasPrefix(m.ID, "local-") {
				continue
			}
			seen[m.ID] = true
			fmt.Fprintf(r.w, "%s %s\n", windowLabel(w), messageLine(m))
		}
	}
	for id := range r.seen {
		if !open[id] {
			delete(r.seen, id)
		}
	}
}

func (r *renderer) printConversations(convs []domain.ConversationSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listSig = listSignature(convs)
	writeConversations(r.w, convs)
}

func (r *renderer) printWindows(s chatclient.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(s.Windows) == 0 {
		fmt.Fprintln(r.w, "no open windows")
		return
	}
	fmt.Fprintf(r.w, "layout %s\n", s.Layout)
	for _, w := range s.Windows {
		state := "expanded"
		if w.IsMinimized {
			state = "minimized"
		}
		if w.IsNewChat {
			state += ", new"
		}
		line := fmt.Sprintf("  %s %s (%s)", w.ID, peerName(w.Peer), state)
		if w.Draft != "" {
			line += fmt.Sprintf(" draft %q", w.Draft)
		}
		fmt.Fprintln(r.w, line)
	}
}

func (r *renderer) printUsers(users []domain.UserResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(users) == 0 {
		fmt.Fprintln(r.w, "no matches")
		return
	}
	for _, u := range users {
		fmt.Fprintf(r.w, "  %s  %s  %s\n", u.UserID, u.Name, u.Email)
	}
}

func writeConversations(w io.Writer, convs []domain.ConversationSummary) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "no conversations yet")
		return
	}
	for i, c := range convs {
		marker := " "
		if c.Unread {
			marker = "*"
		}
		fmt.Fprintf(w, "%s%2d. %-20s %-8s %s\n", marker, i+1, c.OtherUser.Name, c.TimeLabel, c.LastMessage)
	}
}

func listSignature(convs []domain.ConversationSummary) string {
	var b strings.Builder
	for _, c := range convs {
		fmt.Fprintf(&b, "%s|%s|%t|%s;", c.ID, c.LastMessage, c.Unread, c.TimeLabel)
	}
	return b.String()
}

func windowLabel(w chatclient.Window) string {
	return "[" + peerName(w.Peer) + "]"
}

func peerName(p chatclient.Peer) string {
	if p.Name != "" {
		return p.Name
	}
	return p.UserID
}

func messageLine(m domain.MessageView) string {
	who := m.SenderName
	if m.IsCurrentUser {
		who = "you"
	}
	return fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Content)
}
