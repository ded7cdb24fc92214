// Package chatclient holds the client side of chat: the window state
// machine, the polling loops that keep it fresh, and the controller that
// ties both to a Backend.
package chatclient

import (
	"slices"

	"marketplace-chat/internal/domain"
)

// Layout decides how many windows may be expanded at once.
type Layout int

const (
	// LayoutNarrow allows a single expanded window.
	LayoutNarrow Layout = iota
	// LayoutWide stacks windows; only the most recently activated one is
	// forced open.
	LayoutWide
)

func (l Layout) String() string {
	if l == LayoutWide {
		return "wide"
	}
	return "narrow"
}

// ParseLayout accepts "narrow" or "wide".
func ParseLayout(s string) (Layout, bool) {
	switch s {
	case "narrow":
		return LayoutNarrow, true
	case "wide":
		return LayoutWide, true
	}
	return LayoutNarrow, false
}

// Peer is the user on the other side of a window.
type Peer struct {
	UserID     string
	ExternalID string
	Name       string
	AvatarURL  string
}

// Window is one open chat. While IsNewChat is set the window has no
// conversation yet and ID holds the peer's user id.
type Window struct {
	ID          string
	Peer        Peer
	IsMinimized bool
	IsNewChat   bool
	Draft       string
	Messages    []domain.MessageView
}

// Pollable reports whether the window has a conversation to poll.
func (w Window) Pollable() bool {
	return !w.IsMinimized && !w.IsNewChat && w.ID != ""
}

// State is the full client chat state. Windows are ordered front first.
type State struct {
	Layout   Layout
	ListOpen bool
	Windows  []Window
}

// Window returns the window with the given id.
func (s State) Window(id string) (Window, bool) {
	if i := s.index(id); i >= 0 {
		return s.Windows[i], true
	}
	return Window{}, false
}

// Open reports whether any chat surface is showing. Minimized windows count.
func (s State) Open() bool {
	return s.ListOpen || len(s.Windows) > 0
}

// Active returns the front window when it is expanded.
func (s State) Active() (Window, bool) {
	if len(s.Windows) == 0 || s.Windows[0].IsMinimized {
		return Window{}, false
	}
	return s.Windows[0], true
}

// PollableIDs lists the conversation ids of expanded, established windows.
func (s State) PollableIDs() []string {
	var ids []string
	for _, w := range s.Windows {
		if w.Pollable() {
			ids = append(ids, w.ID)
		}
	}
	return ids
}

func (s State) index(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.Windows, func(w Window) bool { return w.ID == id })
}

// Action is a state transition understood by Reduce.
type Action interface {
	apply(State) State
}

// Reduce returns the state after action. The input state is not modified.
func Reduce(s State, action Action) State {
	s.Windows = slices.Clone(s.Windows)
	if action == nil {
		return s
	}
	return action.apply(s)
}

// Open shows a window, creating it when no window matches ID or the peer,
// and activates it.
type Open struct {
	ID        string
	Peer      Peer
	IsNewChat bool
}

func (a Open) apply(s State) State {
	i := s.index(a.ID)
	if i < 0 && a.Peer.UserID != "" {
		i = slices.IndexFunc(s.Windows, func(w Window) bool { return w.Peer.UserID == a.Peer.UserID })
	}
	if i < 0 {
		s.Windows = slices.Insert(s.Windows, 0, Window{ID: a.ID, Peer: a.Peer, IsNewChat: a.IsNewChat})
		return activate(s, 0)
	}
	w := s.Windows[i]
	if w.IsNewChat && !a.IsNewChat && a.ID != "" {
		w.ID = a.ID
		w.IsNewChat = false
	}
	w.Peer = mergePeer(w.Peer, a.Peer)
	s.Windows[i] = w
	return activate(s, i)
}

// Expand activates an existing window.
type Expand struct{ ID string }

func (a Expand) apply(s State) State {
	if i := s.index(a.ID); i >= 0 {
		return activate(s, i)
	}
	return s
}

// Minimize collapses a window without touching its draft or messages.
type Minimize struct{ ID string }

func (a Minimize) apply(s State) State {
	if i := s.index(a.ID); i >= 0 {
		s.Windows[i].IsMinimized = true
	}
	return s
}

// Close removes a window.
type Close struct{ ID string }

func (a Close) apply(s State) State {
	if i := s.index(a.ID); i >= 0 {
		s.Windows = slices.Delete(s.Windows, i, i+1)
	}
	return s
}

// RewriteID turns a pending window into an established one. A second
// window already holding To is dropped.
type RewriteID struct {
	From string
	To   string
}

func (a RewriteID) apply(s State) State {
	i := s.index(a.From)
	if i < 0 || a.To == "" {
		return s
	}
	w := s.Windows[i]
	w.ID = a.To
	w.IsNewChat = false
	s.Windows[i] = w
	if a.From == a.To {
		return s
	}
	for j := range s.Windows {
		if j != i && s.Windows[j].ID == a.To {
			s.Windows = slices.Delete(s.Windows, j, j+1)
			break
		}
	}
	return s
}

// SetDraft replaces a window's unsent text.
type SetDraft struct {
	ID    string
	Draft string
}

func (a SetDraft) apply(s State) State {
	if i := s.index(a.ID); i >= 0 {
		s.Windows[i].Draft = a.Draft
	}
	return s
}

// SetMessages replaces a window's message list.
type SetMessages struct {
	ID       string
	Messages []domain.MessageView
}

func (a SetMessages) apply(s State) State {
	if i := s.index(a.ID); i >= 0 {
		s.Windows[i].Messages = slices.Clone(a.Messages)
	}
	return s
}

// AppendMessage adds one message to the end of a window's list.
type AppendMessage struct {
	ID      string
	Message domain.MessageView
}

func (a AppendMessage) apply(s State) State {
	if i := s.index(a.ID); i >= 0 {
		s.Windows[i].Messages = append(slices.Clip(s.Windows[i].Messages), a.Message)
	}
	return s
}

// SetLayout switches layouts. Going narrow keeps only the front-most
// expanded window open.
type SetLayout struct{ Layout Layout }

func (a SetLayout) apply(s State) State {
	s.Layout = a.Layout
	if a.Layout != LayoutNarrow {
		return s
	}
	seen := false
	for i := range s.Windows {
		if s.Windows[i].IsMinimized {
			continue
		}
		if seen {
			s.Windows[i].IsMinimized = true
		}
		seen = true
	}
	return s
}

// SetListOpen shows or hides the conversation list.
type SetListOpen struct{ Open bool }

func (a SetListOpen) apply(s State) State {
	s.ListOpen = a.Open
	return s
}

// mergePeer fills the blank fields of have from update.
func mergePeer(have, update Peer) Peer {
	if have.UserID == "" {
		have.UserID = update.UserID
	}
	if have.ExternalID == "" {
		have.ExternalID = update.ExternalID
	}
	if have.Name == "" {
		have.Name = update.Name
	}
	if have.AvatarURL == "" {
		have.AvatarURL = update.AvatarURL
	}
	return have
}

// activate moves window i to the front and expands it. On the narrow layout
// every other window is minimized.
func activate(s State, i int) State {
	w := s.Windows[i]
	w.IsMinimized = false
	s.Windows = slices.Delete(s.Windows, i, i+1)
	s.Windows = slices.Insert(s.Windows, 0, w)
	if s.Layout == LayoutNarrow {
		for j := 1; j < len(s.Windows); j++ {
			s.Windows[j].IsMinimized = true
		}
	}
	return s
}
