package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketplace-chat/internal/domain"
	"marketplace-chat/internal/eventbus"
)

const (
	defaultCallTimeout = 5 * time.Second
	localIDPrefix      = "local-"
)

var (
	ErrNoWindow            = errors.New("chatclient: no such window")
	ErrEmptyDraft          = errors.New("chatclient: draft is empty")
	ErrUnknownConversation = errors.New("chatclient: conversation not in list")
	ErrClosed              = errors.New("chatclient: controller closed")
)

// Backend is the chat API as seen by one signed-in user.
type Backend interface {
	PollSource
	GetOrCreateConversation(ctx context.Context, otherUserID string) (domain.ConversationRef, error)
	SendMessage(ctx context.Context, conversationID, content string) (domain.MessageView, error)
	MarkMessagesAsRead(ctx context.Context, conversationID string) error
	SearchUsers(ctx context.Context, query string) ([]domain.UserResult, error)
}

// Confirmer is asked before a window holding a draft is closed.
type Confirmer func(w Window) bool

// Snapshot is what a renderer needs to draw the chat surfaces.
type Snapshot struct {
	State         State
	Conversations []domain.ConversationSummary
	Unread        int
}

type Option func(*Controller)

func WithLayout(l Layout) Option {
	return func(c *Controller) { c.state.Layout = l }
}

// WithConfirmer sets the close confirmation. Without one, windows with a
// draft are never closed.
func WithConfirmer(fn Confirmer) Option {
	return func(c *Controller) { c.confirm = fn }
}

// WithOnChange registers a callback run after every state change.
func WithOnChange(fn func(Snapshot)) Option {
	return func(c *Controller) { c.onChange = fn }
}

func WithCallTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

func WithIntervals(iv Intervals) Option {
	return func(c *Controller) { c.intervals = iv }
}

// WithEventBus makes the controller open windows for requests emitted on bus.
func WithEventBus(bus *eventbus.Bus[domain.OpenChatRequest]) Option {
	return func(c *Controller) { c.bus = bus }
}

func WithSearchDelay(d time.Duration) Option {
	return func(c *Controller) { c.searchDelay = d }
}

// Controller owns the client chat state. It applies user actions through
// Reduce, talks to the Backend, and keeps the polling loops in line with
// what is on screen.
type Controller struct {
	backend     Backend
	confirm     Confirmer
	onChange    func(Snapshot)
	callTimeout time.Duration
	intervals   Intervals
	searchDelay time.Duration
	bus         *eventbus.Bus[domain.OpenChatRequest]

	poller      *Poller
	search      *Debouncer
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc

	// syncMu orders poller updates so an older plan never overwrites a newer one.
	syncMu sync.Mutex

	mu            sync.Mutex
	state         State
	conversations []domain.ConversationSummary
	listLoaded    bool
	unread        int
	reloads       map[string]*reloadRun
	closed        bool
}

func NewController(backend Backend, opts ...Option) (*Controller, error) {
	if backend == nil {
		return nil, errors.New("chatclient: backend must not be nil")
	}
	c := &Controller{
		backend:     backend,
		callTimeout: defaultCallTimeout,
		intervals:   DefaultIntervals(),
		searchDelay: DefaultSearchDelay,
		reloads:     map[string]*reloadRun{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.poller = NewPoller(backend, c, c.intervals, c.callTimeout)
	c.search = NewDebouncer(c.searchDelay)
	return c, nil
}

// Start subscribes to the event bus and starts polling.
func (c *Controller) Start() {
	if c.bus != nil {
		c.unsubscribe = c.bus.Subscribe(c.handleOpenRequest)
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	c.mu.Lock()
	plan := PlanFor(c.state)
	c.mu.Unlock()
	c.poller.Start(plan)
}

// Close stops polling and pending work. Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, run := range c.reloads {
		run.cancel()
		delete(c.reloads, id)
	}
	c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.search.Stop()
	c.cancel()
	c.poller.Close()
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.state
	s.Windows = slices.Clone(s.Windows)
	return Snapshot{State: s, Conversations: slices.Clone(c.conversations), Unread: c.unread}
}

// ShowList opens or hides the conversation list.
func (c *Controller) ShowList(open bool) {
	c.dispatch(SetListOpen{Open: open})
}

func (c *Controller) SetLayout(l Layout) {
	c.dispatch(SetLayout{Layout: l})
}

func (c *Controller) SetDraft(id, draft string) error {
	if _, ok := c.window(id); !ok {
		return ErrNoWindow
	}
	c.dispatch(SetDraft{ID: id, Draft: draft})
	return nil
}

// OpenChat opens a window with a user. An existing conversation is reused;
// otherwise the window stays pending until the first message is sent.
func (c *Controller) OpenChat(ctx context.Context, req domain.OpenChatRequest) error {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return errors.New("chatclient: open chat: missing user id")
	}

	summary, found, loaded := c.conversationWith(userID)
	if !found && !loaded {
		c.refreshList(ctx)
		summary, found, _ = c.conversationWith(userID)
	}

	peer := Peer{UserID: userID, ExternalID: req.ExternalID, Name: req.DisplayName, AvatarURL: req.AvatarURL}
	if found {
		if peer.Name == "" {
			peer.Name = summary.OtherUser.Name
		}
		if peer.AvatarURL == "" {
			peer.AvatarURL = summary.OtherUser.AvatarURL
		}
		c.dispatch(Open{ID: summary.ID, Peer: peer})
	} else {
		c.dispatch(Open{ID: userID, Peer: peer, IsNewChat: true})
	}

	w, ok := c.active()
	if !ok || w.IsNewChat {
		return nil
	}
	return c.reload(ctx, w.ID)
}

// OpenConversation opens a window for a conversation from the list.
func (c *Controller) OpenConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	i := slices.IndexFunc(c.conversations, func(s domain.ConversationSummary) bool { return s.ID == conversationID })
	var summary domain.ConversationSummary
	if i >= 0 {
		summary = c.conversations[i]
	}
	c.mu.Unlock()
	if i < 0 {
		return ErrUnknownConversation
	}

	c.dispatch(Open{ID: summary.ID, Peer: Peer{
		UserID:     summary.OtherUser.ID,
		ExternalID: summary.OtherUser.ExternalID,
		Name:       summary.OtherUser.Name,
		AvatarURL:  summary.OtherUser.AvatarURL,
	}})
	return c.reload(ctx, summary.ID)
}

// Expand brings a window to the front and, for established conversations,
// reloads its messages and marks them read.
func (c *Controller) Expand(ctx context.Context, id string) error {
	w, ok := c.window(id)
	if !ok {
		return ErrNoWindow
	}
	c.dispatch(Expand{ID: id})
	if w.IsNewChat {
		return nil
	}
	return c.reload(ctx, id)
}

// Minimize hides a window. Draft and messages are kept.
func (c *Controller) Minimize(id string) error {
	if _, ok := c.window(id); !ok {
		return ErrNoWindow
	}
	c.dispatch(Minimize{ID: id})
	return nil
}

// CloseWindow removes a window. A window with a draft is only closed when
// the confirmer agrees; the result reports whether the window was closed.
func (c *Controller) CloseWindow(id string) (bool, error) {
	w, ok := c.window(id)
	if !ok {
		return false, ErrNoWindow
	}
	if w.Draft != "" && (c.confirm == nil || !c.confirm(w)) {
		return false, nil
	}

	c.mu.Lock()
	if run, ok := c.reloads[id]; ok {
		run.cancel()
		delete(c.reloads, id)
	}
	c.mu.Unlock()

	c.dispatch(Close{ID: id})
	return true, nil
}

// Send posts the window's draft. A pending window first gets its
// conversation, which rewrites the window id. On failure the draft is put
// back and a pending window stays pending.
func (c *Controller) Send(ctx context.Context, id string) (domain.MessageView, error) {
	w, ok := c.window(id)
	if !ok {
		return domain.MessageView{}, ErrNoWindow
	}
	content := strings.TrimSpace(w.Draft)
	if content == "" {
		return domain.MessageView{}, ErrEmptyDraft
	}

	local := domain.MessageView{
		ID:            localIDPrefix + uuid.NewString(),
		Content:       content,
		IsCurrentUser: true,
		CreatedAt:     time.Now().UTC(),
	}
	if !w.IsNewChat {
		local.ConversationID = w.ID
	}
	c.dispatch(SetDraft{ID: id, Draft: ""}, AppendMessage{ID: id, Message: local})

	convID := id
	if w.IsNewChat {
		callCtx, cancel := c.call(ctx)
		ref, err := c.backend.GetOrCreateConversation(callCtx, w.Peer.UserID)
		cancel()
		if err != nil {
			c.restoreDraft(id, w.Draft, local.ID)
			return domain.MessageView{}, fmt.Errorf("chatclient: create conversation: %w", err)
		}
		convID = ref.ID
		c.dispatch(RewriteID{From: id, To: convID})
		c.refreshList(ctx)
		c.refreshUnread(ctx)
	}

	callCtx, cancel := c.call(ctx)
	msg, err := c.backend.SendMessage(callCtx, convID, content)
	cancel()
	if err != nil {
		c.restoreDraft(convID, w.Draft, local.ID)
		return domain.MessageView{}, fmt.Errorf("chatclient: send message: %w", err)
	}

	c.update(func(s State) State {
		win, ok := s.Window(convID)
		if !ok {
			return s
		}
		// A poll may already have delivered msg; then only the local copy goes.
		msgs := slices.Clone(win.Messages)
		polled := slices.ContainsFunc(msgs, func(m domain.MessageView) bool { return m.ID == msg.ID })
		i := slices.IndexFunc(msgs, func(m domain.MessageView) bool { return m.ID == local.ID })
		switch {
		case polled && i >= 0:
			msgs = slices.Delete(msgs, i, i+1)
		case i >= 0:
			msgs[i] = msg
		case !polled:
			msgs = append(msgs, msg)
		}
		return Reduce(s, SetMessages{ID: convID, Messages: msgs})
	})
	return msg, nil
}

// Search looks users up after the typing pause. Only the last query of a
// burst reaches the backend.
func (c *Controller) Search(query string, onResult func([]domain.UserResult, error)) {
	query = strings.TrimSpace(query)
	c.search.Trigger(func() {
		if query == "" {
			onResult(nil, nil)
			return
		}
		ctx, cancel := c.call(c.ctx)
		defer cancel()
		users, err := c.backend.SearchUsers(ctx, query)
		if c.ctx.Err() != nil {
			return
		}
		onResult(users, err)
	})
}

// ConversationsLoaded implements PollSink.
func (c *Controller) ConversationsLoaded(convs []domain.ConversationSummary) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conversations = slices.Clone(convs)
	c.listLoaded = true
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// UnreadCountLoaded implements PollSink.
func (c *Controller) UnreadCountLoaded(n int) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.unread = n
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// MessagesLoaded implements PollSink. Results for windows that were closed,
// minimized or are still pending are dropped. Unconfirmed local messages
// stay at the end of the list.
func (c *Controller) MessagesLoaded(conversationID string, msgs []domain.MessageView) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	w, ok := c.state.Window(conversationID)
	if !ok || !w.Pollable() {
		c.mu.Unlock()
		return
	}
	merged := slices.Clone(msgs)
	for _, m := range w.Messages {
		if strings.HasPrefix(m.ID, localIDPrefix) {
			merged = append(merged, m)
		}
	}
	c.state = Reduce(c.state, SetMessages{ID: conversationID, Messages: merged})
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Controller) handleOpenRequest(req domain.OpenChatRequest) {
	if err := c.OpenChat(c.ctx, req); err != nil {
		slog.Warn("open chat request failed", "userId", req.UserID, "err", err)
	}
}

type reloadRun struct {
	cancel context.CancelFunc
}

// reload fetches a window's messages and marks them read. A newer reload of
// the same window or closing it cancels this one.
func (c *Controller) reload(ctx context.Context, id string) error {
	ctx, cancel := context.WithCancel(ctx)
	run := &reloadRun{cancel: cancel}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if prev, ok := c.reloads[id]; ok {
		prev.cancel()
	}
	c.reloads[id] = run
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		if c.reloads[id] == run {
			delete(c.reloads, id)
		}
		c.mu.Unlock()
	}()

	callCtx, callCancel := c.call(ctx)
	msgs, err := c.backend.GetMessages(callCtx, id, 0)
	callCancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("chatclient: load messages: %w", err)
	}
	c.MessagesLoaded(id, msgs)

	callCtx, callCancel = c.call(ctx)
	err = c.backend.MarkMessagesAsRead(callCtx, id)
	callCancel()
	if err != nil {
		slog.Warn("mark as read failed", "conversationId", id, "err", err)
		return nil
	}
	c.refreshUnread(ctx)
	return nil
}

func (c *Controller) refreshList(ctx context.Context) {
	callCtx, cancel := c.call(ctx)
	defer cancel()
	convs, err := c.backend.ListConversations(callCtx)
	if err != nil {
		slog.Warn("conversation list refresh failed", "err", err)
		return
	}
	c.ConversationsLoaded(convs)
}

func (c *Controller) refreshUnread(ctx context.Context) {
	callCtx, cancel := c.call(ctx)
	defer cancel()
	n, err := c.backend.GetUnreadCount(callCtx)
	if err != nil {
		slog.Warn("unread count refresh failed", "err", err)
		return
	}
	c.UnreadCountLoaded(n)
}

// restoreDraft puts a failed message's text back in front of whatever was
// typed since and drops its local copy.
func (c *Controller) restoreDraft(id, draft, localID string) {
	c.update(func(s State) State {
		w, ok := s.Window(id)
		if !ok {
			return s
		}
		restored := draft
		if w.Draft != "" {
			restored = draft + "\n" + w.Draft
		}
		msgs := slices.DeleteFunc(slices.Clone(w.Messages), func(m domain.MessageView) bool { return m.ID == localID })
		return Reduce(Reduce(s, SetDraft{ID: id, Draft: restored}), SetMessages{ID: id, Messages: msgs})
	})
}

func (c *Controller) dispatch(actions ...Action) {
	c.update(func(s State) State {
		for _, a := range actions {
			s = Reduce(s, a)
		}
		return s
	})
}

// update applies fn to the state, then lines the poller up with the result
// and notifies the renderer.
func (c *Controller) update(fn func(State) State) {
	c.syncMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.syncMu.Unlock()
		return
	}
	c.state = fn(c.state)
	plan := PlanFor(c.state)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.poller.Apply(plan)
	c.syncMu.Unlock()

	c.notify(snap)
}

func (c *Controller) notify(snap Snapshot) {
	if c.onChange != nil {
		c.onChange(snap)
	}
}

func (c *Controller) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Controller) window(id string) (Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Window(id)
}

func (c *Controller) active() (Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Active()
}

func (c *Controller) conversationWith(userID string) (summary domain.ConversationSummary, found, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.conversations {
		if s.OtherUser.ID == userID {
			return s, true, c.listLoaded
		}
	}
	return domain.ConversationSummary{}, false, c.listLoaded
}
