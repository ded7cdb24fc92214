package chatclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"marketplace-chat/internal/domain"
)

var errBackend = errors.New("backend unavailable")

// fakeBackend is a goroutine-safe Backend with canned results. Calls are
// counted by method name.
type fakeBackend struct {
	mu sync.Mutex

	conversations []domain.ConversationSummary
	messages      map[string][]domain.MessageView
	unread        int
	users         []domain.UserResult
	createdID     string

	errs    map[string]error
	calls   map[string]int
	sent    []sentMessage
	queries []string
	marked  []string
	created []string
}

type sentMessage struct {
	ConversationID string
	Content        string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages: map[string][]domain.MessageView{},
		errs:     map[string]error{},
		calls:    map[string]int{},
	}
}

func (f *fakeBackend) record(method string) error {
	f.calls[method]++
	return f.errs[method]
}

func (f *fakeBackend) ListConversations(_ context.Context) ([]domain.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListConversations"); err != nil {
		return nil, err
	}
	return append([]domain.ConversationSummary(nil), f.conversations...), nil
}

func (f *fakeBackend) GetMessages(_ context.Context, conversationID string, _ int) ([]domain.MessageView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetMessages"); err != nil {
		return nil, err
	}
	return append([]domain.MessageView(nil), f.messages[conversationID]...), nil
}

func (f *fakeBackend) GetUnreadCount(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetUnreadCount"); err != nil {
		return 0, err
	}
	return f.unread, nil
}

func (f *fakeBackend) GetOrCreateConversation(_ context.Context, otherUserID string) (domain.ConversationRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetOrCreateConversation"); err != nil {
		return domain.ConversationRef{}, err
	}
	f.created = append(f.created, otherUserID)
	f.conversations = append(f.conversations, domain.ConversationSummary{
		ID:        f.createdID,
		OtherUser: domain.Participant{ID: otherUserID},
	})
	return domain.ConversationRef{ID: f.createdID, OtherUserID: otherUserID}, nil
}

func (f *fakeBackend) SendMessage(_ context.Context, conversationID, content string) (domain.MessageView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SendMessage"); err != nil {
		return domain.MessageView{}, err
	}
	f.sent = append(f.sent, sentMessage{ConversationID: conversationID, Content: content})
	msg := domain.MessageView{
		ID:             "srv-" + content,
		ConversationID: conversationID,
		Content:        content,
		IsCurrentUser:  true,
		CreatedAt:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	return msg, nil
}

func (f *fakeBackend) MarkMessagesAsRead(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MarkMessagesAsRead"); err != nil {
		return err
	}
	f.marked = append(f.marked, conversationID)
	f.unread = 0
	return nil
}

func (f *fakeBackend) SearchUsers(_ context.Context, query string) ([]domain.UserResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SearchUsers"); err != nil {
		return nil, err
	}
	f.queries = append(f.queries, query)
	return f.users, nil
}

func (f *fakeBackend) setErr(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

func (f *fakeBackend) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeBackend) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// recordingSink collects poll results.
type recordingSink struct {
	mu       sync.Mutex
	convs    int
	unread   []int
	messages map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{messages: map[string]int{}}
}

func (s *recordingSink) ConversationsLoaded([]domain.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs++
}

func (s *recordingSink) UnreadCountLoaded(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = append(s.unread, n)
}

func (s *recordingSink) MessagesLoaded(conversationID string, _ []domain.MessageView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID]++
}

func (s *recordingSink) messageLoads(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

func (s *recordingSink) listLoads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs
}

func (s *recordingSink) unreadLoads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unread)
}
