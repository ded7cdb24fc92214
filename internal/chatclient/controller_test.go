package chatclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/domain"
	"marketplace-chat/internal/eventbus"
)

func newTestController(t *testing.T, backend *fakeBackend, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(backend, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func mustWindow(t *testing.T, c *Controller, id string) Window {
	t.Helper()
	w, ok := c.Snapshot().State.Window(id)
	require.True(t, ok, "window %s not open", id)
	return w
}

func withConversation(backend *fakeBackend, convID, otherUserID string, msgs ...domain.MessageView) {
	backend.conversations = append(backend.conversations, domain.ConversationSummary{
		ID:        convID,
		OtherUser: domain.Participant{ID: otherUserID, Name: "Bea Other"},
	})
	backend.messages[convID] = msgs
}

func TestNewController_RequiresBackend(t *testing.T) {
	_, err := NewController(nil)
	require.Error(t, err)
}

// ---- pending windows ----

func TestController_NewChatHappyPath(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.createdID = "conv-1"
	var changes atomic.Int32
	c := newTestController(t, backend, WithOnChange(func(Snapshot) { changes.Add(1) }))

	require.NoError(t, c.OpenChat(ctx, domain.OpenChatRequest{UserID: "user-b", DisplayName: "Bea"}))
	w := mustWindow(t, c, "user-b")
	require.True(t, w.IsNewChat)
	require.Equal(t, "Bea", w.Peer.Name)

	require.NoError(t, c.SetDraft("user-b", "Hi"))
	msg, err := c.Send(ctx, "user-b")
	require.NoError(t, err)
	require.Equal(t, "Hi", msg.Content)

	require.Equal(t, []string{"user-b"}, backend.created)
	require.Equal(t, []sentMessage{{ConversationID: "conv-1", Content: "Hi"}}, backend.sentMessages())

	snap := c.Snapshot()
	require.Len(t, snap.State.Windows, 1)
	w = mustWindow(t, c, "conv-1")
	require.False(t, w.IsNewChat)
	require.Empty(t, w.Draft)
	require.Equal(t, []domain.MessageView{msg}, w.Messages)

	// The list and badge were refreshed once the conversation existed.
	require.Equal(t, 2, backend.count("ListConversations"))
	require.Equal(t, 1, backend.count("GetUnreadCount"))
	require.Len(t, snap.Conversations, 1)
	require.Positive(t, changes.Load())
}

func TestController_PendingWindowIsNeverLoadedOrMarked(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	c := newTestController(t, backend)

	require.NoError(t, c.OpenChat(ctx, domain.OpenChatRequest{UserID: "user-b"}))
	require.NoError(t, c.Minimize("user-b"))
	require.NoError(t, c.Expand(ctx, "user-b"))

	require.Zero(t, backend.count("GetMessages"))
	require.Zero(t, backend.count("MarkMessagesAsRead"))
}

func TestController_CreateFailureKeepsWindowPending(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.createdID = "conv-1"
	backend.setErr("GetOrCreateConversation", errBackend)
	c := newTestController(t, backend)

	require.NoError(t, c.OpenChat(ctx, domain.OpenChatRequest{UserID: "user-b"}))
	require.NoError(t, c.SetDraft("user-b", "Hi"))

	_, err := c.Send(ctx, "user-b")
	require.ErrorIs(t, err, errBackend)

	w := mustWindow(t, c, "user-b")
	require.True(t, w.IsNewChat)
	require.Equal(t, "Hi", w.Draft)
	require.Empty(t, w.Messages)
	require.Zero(t, backend.count("SendMessage"))

	backend.setErr("GetOrCreateConversation", nil)
	_, err = c.Send(ctx, "user-b")
	require.NoError(t, err)
	require.False(t, mustWindow(t, c, "conv-1").IsNewChat)
}

func TestController_SendFailureAfterCreateReusesConversation(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.createdID = "conv-1"
	backend.setErr("SendMessage", errBackend)
	c := newTestController(t, backend)

	require.NoError(t, c.OpenChat(ctx, domain.OpenChatRequest{UserID: "user-b"}))
	require.NoError(t, c.SetDraft("user-b", "Hi"))

	_, err := c.Send(ctx, "user-b")
	require.ErrorIs(t, err, errBackend)

	w := mustWindow(t, c, "conv-1")
	require.False(t, w.IsNewChat)
	require.Equal(t, "Hi", w.Draft)
	require.Empty(t, w.Messages)

	backend.setErr("SendMessage", nil)
	_, err = c.Send(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, 1, backend.count("GetOrCreateConversation"))
	require.Equal(t, []sentMessage{{ConversationID: "conv-1", Content: "Hi"}}, backend.sentMessages())
}

// ---- established windows ----

func TestController_OpenChatReusesExistingConversation(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	withConversation(backend, "conv-7", "user-b", domain.MessageView{ID: "m1", Content: "hey"})
	backend.unread = 3
	c := newTestController(t, backend)

	require.NoError(t, c.OpenChat(ctx, domain.OpenChatRequest{UserID: "user-b"}))

	w := mustWindow(t, c, "conv-7")
	require.False(t, w.IsNewChat)
	require.Equal(t, "Bea Other", w.Peer.Name)
	require.Len(t, w.Messages, 1)
	require.Equal(t, []string{"conv-7"}, backend.marked)
	require.Equal(t, 0, c.Snapshot().Unread)
}

func TestController_SendFailureRestoresDraft(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	withConversation(backend, "conv-1", "user-b")
	c := newTestController(t, backend)
	c.ConversationsLoaded(backend.conversations)
	require.NoError(t, c.OpenConversation(ctx, "conv-1"))

	backend.setErr("SendMessage", errBackend)
	require.NoError(t, c.SetDraft("conv-1", "hello "))
	_, err := c.Send(ctx, "conv-1")
	require.Error(t, err)

	w := mustWindow(t, c, "conv-1")
	require.Equal(t, "hello ", w.Draft)
	require.Empty(t, w.Messages)
}

// pollingDuringSend delivers the server's message list to the controller
// before SendMessage returns, as a message poll landing mid-send would.
type pollingDuringSend struct {
	*fakeBackend
	ctrl *Controller
}

func (p *pollingDuringSend) SendMessage(ctx context.Context, conversationID, content string) (domain.MessageView, error) {
	msg, err := p.fakeBackend.SendMessage(ctx, conversationID, content)
	if err != nil {
		return msg, err
	}
	msgs, err := p.fakeBackend.GetMessages(ctx, conversationID, 0)
	if err != nil {
		return domain.MessageView{}, err
	}
	p.ctrl.MessagesLoaded(conversationID, msgs)
	return msg, nil
}

func TestController_SendAfterPolledMessageKeepsOneCopy(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	withConversation(backend, "conv-1", "user-b")
	wrapped := &pollingDuringSend{fakeBackend: backend}
	c, err := NewController(wrapped)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	wrapped.ctrl = c

	c.ConversationsLoaded(backend.conversations)
	require.NoError(t, c.OpenConversation(ctx, "conv-1"))
	require.NoError(t, c.SetDraft("conv-1", "Hi"))

	msg, err := c.Send(ctx, "conv-1")
	require.NoError(t, err)

	w := mustWindow(t, c, "conv-1")
	require.Len(t, w.Messages, 1)
	require.Equal(t, msg.ID, w.Messages[0].ID)
	require.Equal(t, "srv-Hi", w.Messages[0].ID)
}

func TestController_SendEmptyDraftIsRejectedLocally(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	c := newTestController(t, backend)
	require.NoError(t, c.OpenChat(ctx, domain.OpenChatRequest{UserID: "user-b"}))
	require.NoError(t, c.SetDraft("user-b", "   "))

	_, err := c.Send(ctx, "user-b")
	require.ErrorIs(t, err, ErrEmptyDraft)
	require.Zero(t, backend.count("GetOrCreateConversation"))
	require.Zero(t, backend.count("SendMessage"))

	_, err = c.Send(ctx, "missing")
	require.ErrorIs(t, err, ErrNoWindow)
}

func TestController_MinimizeExpandPreservesDraftAndMessages(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	withConversation(backend, "conv-1", "user-b",
		domain.MessageView{ID: "m1", Content: "first"},
		domain.MessageView{ID: "m2", Content: "second"},
	)
	c := newTestController(t, backend)
	c.ConversationsLoaded(backend.conversations)
	require.NoError(t, c.OpenConversation(ctx, "conv-1"))
	require.NoError(t, c.SetDraft("conv-1", "draft"))
	before := mustWindow(t, c, "conv-1").Messages

	require.NoError(t, c.Minimize("conv-1"))
	require.True(t, mustWindow(t, c, "conv-1").IsMinimized)
	require.NoError(t, c.Expand(ctx, "conv-1"))

	w := mustWindow(t, c, "conv-1")
	require.False(t, w.IsMinimized)
	require.Equal(t, "draft", w.Draft)
	require.Equal(t, before, w.Messages)
	// Expanding reloads and marks as read.
	require.Equal(t, 2, backend.count("GetMessages"))
	require.Equal(t, 2, backend.count("MarkMessagesAsRead"))
}

func TestController_FinishedReloadsAreForgotten(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	withConversation(backend, "conv-1", "user-b", domain.MessageView{ID: "m1", Content: "first"})
	c := newTestController(t, backend)
	c.ConversationsLoaded(backend.conversations)

	require.NoError(t, c.OpenConversation(ctx, "conv-1"))
	require.NoError(t, c.Expand(ctx, "conv-1"))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.reloads)
}

func TestController_OpenConversationUnknown(t *testing.T) {
	c := newTestController(t, newFakeBackend())
	require.ErrorIs(t, c.OpenConversation(context.Background(), "nope"), ErrUnknownConversation)
}

// ---- closing ----

func TestController_CloseWindowConfirmsDraft(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	answers := []bool{false, true}
	var asked []string
	c := newTestController(t, backend, WithConfirmer(func(w Window) bool {
		asked = append(asked, w.Draft)
		answer := answers[0]
		answers = answers[1:]
		return answer
	}))
	require.NoError(t, c.OpenChat(ctx, domain.OpenChatRequest{UserID: "user-b"}))
	require.NoError(t, c.SetDraft("user-b", "unsent"))

	closed, err := c.CloseWindow("user-b")
	require.NoError(t, err)
	require.False(t, closed)
	mustWindow(t, c, "user-b")

	closed, err = c.CloseWindow("user-b")
	require.NoError(t, err)
	require.True(t, closed)
	require.Empty(t, c.Snapshot().State.Windows)
	require.Equal(t, []string{"unsent", "unsent"}, asked)
}

func TestController_CloseWindowWithoutDraftSkipsConfirmation(t *testing.T) {
	ctx := context.Background()
	asked := false
	c := newTestController(t, newFakeBackend(), WithConfirmer(func(Window) bool {
		asked = true
		return false
	}))
	require.NoError(t, c.OpenChat(ctx, domain.OpenChatRequest{UserID: "user-b"}))

	closed, err := c.CloseWindow("user-b")
	require.NoError(t, err)
	require.True(t, closed)
	require.False(t, asked)
}

func TestController_CloseWindowWithoutConfirmerKeepsDraft(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, newFakeBackend())
	require.NoError(t, c.OpenChat(ctx, domain.OpenChatRequest{UserID: "user-b"}))
	require.NoError(t, c.SetDraft("user-b", "unsent"))

	closed, err := c.CloseWindow("user-b")
	require.NoError(t, err)
	require.False(t, closed)

	_, err = c.CloseWindow("missing")
	require.ErrorIs(t, err, ErrNoWindow)
}

// ---- poll results ----

func TestController_DropsMessagesForClosedOrMinimizedWindows(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	withConversation(backend, "conv-1", "user-b", domain.MessageView{ID: "m1"})
	c := newTestController(t, backend)
	c.ConversationsLoaded(backend.conversations)
	require.NoError(t, c.OpenConversation(ctx, "conv-1"))
	require.NoError(t, c.Minimize("conv-1"))

	c.MessagesLoaded("conv-1", []domain.MessageView{{ID: "m1"}, {ID: "m2"}})
	c.MessagesLoaded("conv-gone", []domain.MessageView{{ID: "x"}})

	require.Equal(t, []domain.MessageView{{ID: "m1"}}, mustWindow(t, c, "conv-1").Messages)
	_, ok := c.Snapshot().State.Window("conv-gone")
	require.False(t, ok)
}

func TestController_MessagesLoadedKeepsUnconfirmedLocalMessages(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	withConversation(backend, "conv-1", "user-b")
	c := newTestController(t, backend)
	c.ConversationsLoaded(backend.conversations)
	require.NoError(t, c.OpenConversation(ctx, "conv-1"))

	local := domain.MessageView{ID: localIDPrefix + "1", Content: "sending"}
	c.dispatch(AppendMessage{ID: "conv-1", Message: local})
	c.MessagesLoaded("conv-1", []domain.MessageView{{ID: "m1"}})

	require.Equal(t, []domain.MessageView{{ID: "m1"}, local}, mustWindow(t, c, "conv-1").Messages)
}

// ---- wiring ----

func TestController_OpensChatFromEventBus(t *testing.T) {
	backend := newFakeBackend()
	bus := eventbus.New[domain.OpenChatRequest]("open-chat")
	c := newTestController(t, backend, WithEventBus(bus))
	c.Start()

	bus.Emit(domain.OpenChatRequest{UserID: "user-b", ExternalID: "ext-b", DisplayName: "Bea", AvatarURL: "https://img/b.png"})

	w := mustWindow(t, c, "user-b")
	require.True(t, w.IsNewChat)
	require.Equal(t, Peer{UserID: "user-b", ExternalID: "ext-b", Name: "Bea", AvatarURL: "https://img/b.png"}, w.Peer)

	c.Close()
	require.Zero(t, bus.Len())
}

func TestController_PollingFollowsVisibleWindows(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	withConversation(backend, "conv-1", "user-b")
	c := newTestController(t, backend, WithIntervals(fastIntervals()), WithCallTimeout(100*time.Millisecond))
	c.Start()
	c.ConversationsLoaded(backend.conversations)

	require.NoError(t, c.OpenConversation(ctx, "conv-1"))
	require.Eventually(t, func() bool { return backend.count("GetMessages") >= 4 }, waitFor, tick)

	require.NoError(t, c.Minimize("conv-1"))
	time.Sleep(20 * time.Millisecond)
	settled := backend.count("GetMessages")
	require.Never(t, func() bool { return backend.count("GetMessages") > settled }, 50*time.Millisecond, tick)

	c.ShowList(true)
	require.Eventually(t, func() bool { return backend.count("ListConversations") >= 2 }, waitFor, tick)
}

func TestController_SearchIsDebounced(t *testing.T) {
	backend := newFakeBackend()
	backend.users = []domain.UserResult{{UserID: "user-ada", Name: "Ada"}}
	c := newTestController(t, backend, WithSearchDelay(15*time.Millisecond))

	var mu sync.Mutex
	var results [][]domain.UserResult
	var errs []error
	onResult := func(users []domain.UserResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, users)
		if err != nil {
			errs = append(errs, err)
		}
	}
	c.Search("a", onResult)
	c.Search("ad", onResult)
	c.Search("ada", onResult)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, waitFor, tick)
	require.Equal(t, []string{"ada"}, backend.queries)
	require.Empty(t, errs)
	require.Equal(t, "Ada", results[0][0].Name)
}
