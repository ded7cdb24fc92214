package chatclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketplace-chat/internal/domain"
)

// Intervals are the polling periods.
type Intervals struct {
	UnreadOpen   time.Duration
	UnreadClosed time.Duration
	List         time.Duration
	Messages     time.Duration
}

// DefaultIntervals returns the production polling periods.
func DefaultIntervals() Intervals {
	return Intervals{
		UnreadOpen:   5 * time.Second,
		UnreadClosed: 20 * time.Second,
		List:         5 * time.Second,
		Messages:     3 * time.Second,
	}
}

func (iv Intervals) withDefaults() Intervals {
	def := DefaultIntervals()
	if iv.UnreadOpen <= 0 {
		iv.UnreadOpen = def.UnreadOpen
	}
	if iv.UnreadClosed <= 0 {
		iv.UnreadClosed = def.UnreadClosed
	}
	if iv.List <= 0 {
		iv.List = def.List
	}
	if iv.Messages <= 0 {
		iv.Messages = def.Messages
	}
	return iv
}

// PollSource is the read side of the Backend used by the polling loops.
type PollSource interface {
	ListConversations(ctx context.Context) ([]domain.ConversationSummary, error)
	GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.MessageView, error)
	GetUnreadCount(ctx context.Context) (int, error)
}

// PollSink receives poll results. Calls may come from any loop goroutine.
type PollSink interface {
	ConversationsLoaded(convs []domain.ConversationSummary)
	UnreadCountLoaded(n int)
	MessagesLoaded(conversationID string, msgs []domain.MessageView)
}

// Plan is the set of loops that should be running.
type Plan struct {
	Open          bool
	ListOpen      bool
	Conversations []string
}

// PlanFor derives the polling plan from a client state.
func PlanFor(s State) Plan {
	return Plan{Open: s.Open(), ListOpen: s.ListOpen, Conversations: s.PollableIDs()}
}

type loop struct {
	cancel context.CancelFunc
}

// Poller runs the unread, list and per-conversation message loops. Failed
// ticks are logged and the loop keeps going.
type Poller struct {
	src         PollSource
	sink        PollSink
	intervals   Intervals
	callTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	closed   bool
	open     bool
	openCh   chan bool
	list     *loop
	messages map[string]*loop
}

// NewPoller creates a stopped Poller. A non-positive callTimeout means 5s.
func NewPoller(src PollSource, sink PollSink, intervals Intervals, callTimeout time.Duration) *Poller {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		src:         src,
		sink:        sink,
		intervals:   intervals.withDefaults(),
		callTimeout: callTimeout,
		ctx:         ctx,
		cancel:      cancel,
		openCh:      make(chan bool, 1),
		messages:    map[string]*loop{},
	}
}

// Start launches the unread loop and applies the initial plan.
func (p *Poller) Start(plan Plan) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.open = plan.Open
	p.wg.Add(1)
	go p.runUnread(plan.Open)
	p.mu.Unlock()

	p.Apply(plan)
}

// Apply starts and stops loops to match plan. A change of the open state
// restarts the unread timer with the matching interval.
func (p *Poller) Apply(plan Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.closed {
		return
	}

	if plan.Open != p.open {
		p.open = plan.Open
		select {
		case <-p.openCh:
		default:
		}
		p.openCh <- plan.Open
	}

	switch {
	case plan.ListOpen && p.list == nil:
		p.list = p.spawn(p.intervals.List, true, p.pollList)
	case !plan.ListOpen && p.list != nil:
		p.list.cancel()
		p.list = nil
	}

	want := make(map[string]bool, len(plan.Conversations))
	for _, id := range plan.Conversations {
		want[id] = true
		if _, ok := p.messages[id]; !ok {
			p.messages[id] = p.spawn(p.intervals.Messages, false, func(ctx context.Context) {
				p.pollMessages(ctx, id)
			})
		}
	}
	for id, l := range p.messages {
		if !want[id] {
			l.cancel()
			delete(p.messages, id)
		}
	}
}

// Close stops every loop and waits for them to return. Safe to call twice.
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.list = nil
	p.messages = map[string]*loop{}
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
}

// spawn runs tick every interval until the loop is cancelled. Caller holds p.mu.
func (p *Poller) spawn(interval time.Duration, immediate bool, tick func(ctx context.Context)) *loop {
	ctx, cancel := context.WithCancel(p.ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if immediate {
			tick(ctx)
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				tick(ctx)
			}
		}
	}()
	return &loop{cancel: cancel}
}

func (p *Poller) runUnread(open bool) {
	defer p.wg.Done()

	p.pollUnread(p.ctx)
	t := time.NewTimer(p.unreadInterval(open))
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case open = <-p.openCh:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(p.unreadInterval(open))
		case <-t.C:
			p.pollUnread(p.ctx)
			t.Reset(p.unreadInterval(open))
		}
	}
}

func (p *Poller) unreadInterval(open bool) time.Duration {
	if open {
		return p.intervals.UnreadOpen
	}
	return p.intervals.UnreadClosed
}

func (p *Poller) pollUnread(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	n, err := p.src.GetUnreadCount(callCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("poll failed", "loop", "unread", "err", err)
		return
	}
	p.sink.UnreadCountLoaded(n)
}

func (p *Poller) pollList(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	convs, err := p.src.ListConversations(callCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("poll failed", "loop", "list", "err", err)
		return
	}
	p.sink.ConversationsLoaded(convs)
}

func (p *Poller) pollMessages(ctx context.Context, conversationID string) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	msgs, err := p.src.GetMessages(callCtx, conversationID, 0)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("poll failed", "loop", "messages", "conversationId", conversationID, "err", err)
		return
	}
	p.sink.MessagesLoaded(conversationID, msgs)
}
