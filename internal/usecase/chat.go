package usecase

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketplace-chat/internal/domain"
)

const (
	defaultPageLimit   = 50
	defaultSearchLimit = 10
	markReadAttempts   = 3
)

// ConversationStore is the persistence contract of the chat service.
type ConversationStore interface {
	GetProfileByExternalID(ctx context.Context, externalID string) (domain.Profile, bool, error)
	GetProfiles(ctx context.Context, userIDs []string) (map[string]domain.Profile, error)
	GetProfilesByExternalIDs(ctx context.Context, externalIDs []string) (map[string]domain.Profile, error)

	CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, bool, error)
	FindConversationByPair(ctx context.Context, a, b string) (domain.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, bool, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]domain.Conversation, error)
	TouchConversation(ctx context.Context, conversationID string, activity domain.ConversationActivity) error

	PutMessage(ctx context.Context, msg domain.Message) error
	LatestMessage(ctx context.Context, conversationID string) (domain.Message, bool, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	ListUnreadMessages(ctx context.Context, conversationID, userID string) ([]domain.Message, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
	MarkRead(ctx context.Context, conversationID string, msgs []domain.Message, userID string) error
}

// UserSearcher finds identity-provider subjects matching a name or email fragment.
type UserSearcher interface {
	SearchUserIDs(ctx context.Context, query string, limit int) ([]string, error)
}

// ChatService implements conversation and message operations for an
// authenticated caller. Caller ids are identity-provider subjects; they are
// resolved to profiles before any conversation access.
type ChatService struct {
	store     ConversationStore
	users     UserSearcher
	pageLimit int
	loc       *time.Location
}

func NewChatService(store ConversationStore, users UserSearcher, pageLimit int, loc *time.Location) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if users == nil {
		return nil, errors.New("usecase: user searcher must not be nil")
	}
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	if loc == nil {
		loc = time.UTC
	}
	return &ChatService{store: store, users: users, pageLimit: pageLimit, loc: loc}, nil
}

// ListConversations returns the caller's conversations, most recently active first.
func (s *ChatService) ListConversations(ctx context.Context, callerID string) ([]domain.ConversationSummary, error) {
	caller, err := s.resolveCaller(ctx, callerID)
	if err != nil {
		return nil, err
	}

	convs, err := s.store.ListConversationsForUser(ctx, caller.UserID)
	if err != nil {
		return nil, s.failed(ctx, "list_conversations", err)
	}
	slices.SortStableFunc(convs, func(a, b domain.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	others := make([]string, 0, len(convs))
	for _, conv := range convs {
		others = append(others, conv.OtherParticipant(caller.UserID))
	}
	profiles, err := s.store.GetProfiles(ctx, others)
	if err != nil {
		return nil, s.failed(ctx, "load_profiles", err)
	}

	current := now()
	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		latest, ok, err := s.store.LatestMessage(ctx, conv.ID)
		if err != nil {
			return nil, s.failed(ctx, "latest_message", err)
		}

		summary := domain.ConversationSummary{
			ID:          conv.ID,
			OtherUser:   participant(conv.OtherParticipant(caller.UserID), profiles),
			LastMessage: noMessagesYet,
			TimeLabel:   timeLabel(conv.UpdatedAt, current, s.loc),
			UpdatedAt:   conv.UpdatedAt,
		}
		if ok {
			summary.LastMessage = truncatePreview(latest.Content)
			summary.TimeLabel = timeLabel(latest.CreatedAt, current, s.loc)
			// Only the latest message decides the flag; earlier unread
			// messages do not.
			// TODO: flag a conversation when any message is unread, using
			// CountUnread per row, and update TestListConversations_UnreadFlagIsShallow.
			summary.Unread = latest.IsUnreadBy(caller.UserID)
		}
		out = append(out, summary)
	}
	return out, nil
}

// GetOrCreateConversation returns the conversation between the caller and
// otherUserID, creating it on first use. The canonical pair key makes
// concurrent calls for the same pair converge on one conversation.
func (s *ChatService) GetOrCreateConversation(ctx context.Context, callerID, otherUserID string) (domain.ConversationRef, error) {
	caller, err := s.resolveCaller(ctx, callerID)
	if err != nil {
		return domain.ConversationRef{}, err
	}
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return domain.ConversationRef{}, newError(ErrorInvalidArgument, "missing_other_user", nil)
	}
	if otherUserID == caller.UserID {
		return domain.ConversationRef{}, newError(ErrorInvalidArgument, "self_conversation", nil)
	}

	profiles, err := s.store.GetProfiles(ctx, []string{otherUserID})
	if err != nil {
		return domain.ConversationRef{}, s.failed(ctx, "load_profiles", err)
	}
	other, ok := profiles[otherUserID]
	if !ok {
		return domain.ConversationRef{}, newError(ErrorNotFound, "other_user_not_found", nil)
	}

	conv, found, err := s.store.FindConversationByPair(ctx, caller.UserID, otherUserID)
	if err != nil {
		return domain.ConversationRef{}, s.failed(ctx, "find_conversation", err)
	}
	if !found {
		ts := now().UTC()
		var created bool
		conv, created, err = s.store.CreateConversation(ctx, domain.Conversation{
			ID:             newUUID(),
			ParticipantIDs: []string{caller.UserID, otherUserID},
			PairKey:        domain.PairKey(caller.UserID, otherUserID),
			CreatedAt:      ts,
			UpdatedAt:      ts,
		})
		if err != nil {
			return domain.ConversationRef{}, s.failed(ctx, "create_conversation", err)
		}
		if created {
			slog.InfoContext(ctx, "conversation created", "conversationId", conv.ID)
		}
	}

	return domain.ConversationRef{
		ID:          conv.ID,
		OtherUserID: other.UserID,
		Name:        other.DisplayName(),
		AvatarURL:   other.ImageURL,
	}, nil
}

// GetMessages returns up to limit of the most recent messages in ascending order.
// A non-positive limit or one above the page size uses the page size.
func (s *ChatService) GetMessages(ctx context.Context, callerID, conversationID string, limit int) ([]domain.MessageView, error) {
	caller, err := s.resolveCaller(ctx, callerID)
	if err != nil {
		return nil, err
	}
	conv, err := s.participantConversation(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.pageLimit {
		limit = s.pageLimit
	}

	msgs, err := s.store.ListMessages(ctx, conv.ID, limit)
	if err != nil {
		return nil, s.failed(ctx, "list_messages", err)
	}
	slices.SortStableFunc(msgs, func(a, b domain.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	senders := make([]string, 0, len(msgs))
	for _, m := range msgs {
		senders = append(senders, m.SenderID)
	}
	profiles, err := s.store.GetProfiles(ctx, senders)
	if err != nil {
		return nil, s.failed(ctx, "load_profiles", err)
	}

	out := make([]domain.MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView(m, caller.UserID, profiles))
	}
	return out, nil
}

// SendMessage appends a message authored by the caller and bumps the
// conversation's activity fields. The author is recorded as having read it.
func (s *ChatService) SendMessage(ctx context.Context, callerID, conversationID, content string) (domain.MessageView, error) {
	if strings.TrimSpace(callerID) == "" {
		return domain.MessageView{}, newError(ErrorUnauthorized, "missing_caller", nil)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.MessageView{}, newError(ErrorInvalidArgument, "empty_content", nil)
	}
	caller, err := s.resolveCaller(ctx, callerID)
	if err != nil {
		return domain.MessageView{}, err
	}
	conv, err := s.participantConversation(ctx, caller, conversationID)
	if err != nil {
		return domain.MessageView{}, err
	}

	msg := domain.Message{
		ID:             newUUID(),
		ConversationID: conv.ID,
		SenderID:       caller.UserID,
		Content:        content,
		CreatedAt:      now().UTC(),
		ReadBy:         []string{caller.UserID},
	}
	if err := s.store.PutMessage(ctx, msg); err != nil {
		return domain.MessageView{}, s.failed(ctx, "put_message", err)
	}

	// The summary is rewritten by the next send, so a failed touch is not surfaced.
	err = s.store.TouchConversation(ctx, conv.ID, domain.ConversationActivity{
		At:      msg.CreatedAt,
		Preview: truncatePreview(content),
		Sender:  caller.DisplayName(),
	})
	if err != nil {
		slog.WarnContext(ctx, "conversation activity not updated", "conversationId", conv.ID, "err", err)
	}

	return messageView(msg, caller.UserID, map[string]domain.Profile{caller.UserID: caller}), nil
}

// MarkMessagesAsRead adds the caller to readBy of every message in the
// conversation the caller has not read. Repeated calls are no-ops.
func (s *ChatService) MarkMessagesAsRead(ctx context.Context, callerID, conversationID string) error {
	caller, err := s.resolveCaller(ctx, callerID)
	if err != nil {
		return err
	}
	conv, err := s.participantConversation(ctx, caller, conversationID)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < markReadAttempts; attempt++ {
		unread, err := s.store.ListUnreadMessages(ctx, conv.ID, caller.UserID)
		if err != nil {
			return s.failed(ctx, "list_unread", err)
		}
		if len(unread) == 0 {
			return nil
		}
		err = s.store.MarkRead(ctx, conv.ID, unread, caller.UserID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return s.failed(ctx, "mark_read", err)
		}
		slog.DebugContext(ctx, "mark read raced, retrying", "conversationId", conv.ID, "attempt", attempt+1)
	}
	return s.failed(ctx, "mark_read", domain.ErrConflict)
}

// GetUnreadCount counts messages across the caller's conversations that the
// caller has not read. Any failure past authentication yields 0.
func (s *ChatService) GetUnreadCount(ctx context.Context, callerID string) (int, error) {
	if strings.TrimSpace(callerID) == "" {
		return 0, newError(ErrorUnauthorized, "missing_caller", nil)
	}
	caller, ok, err := s.store.GetProfileByExternalID(ctx, callerID)
	if err != nil {
		slog.WarnContext(ctx, "unread count degraded", "step", "caller_profile", "err", err)
		return 0, nil
	}
	if !ok {
		return 0, nil
	}

	convs, err := s.store.ListConversationsForUser(ctx, caller.UserID)
	if err != nil {
		slog.WarnContext(ctx, "unread count degraded", "step", "list_conversations", "err", err)
		return 0, nil
	}
	total := 0
	for _, conv := range convs {
		n, err := s.store.CountUnread(ctx, conv.ID, caller.UserID)
		if err != nil {
			slog.WarnContext(ctx, "unread count degraded", "step", "count_unread", "conversationId", conv.ID, "err", err)
			return 0, nil
		}
		total += n
	}
	return total, nil
}

// SearchUsers finds chat partners by name or email fragment, excluding the caller.
func (s *ChatService) SearchUsers(ctx context.Context, callerID, query string) ([]domain.UserResult, error) {
	caller, err := s.resolveCaller(ctx, callerID)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.UserResult{}, nil
	}

	externalIDs, err := s.users.SearchUserIDs(ctx, query, defaultSearchLimit)
	if err != nil {
		return nil, s.failed(ctx, "search_users", err)
	}
	profiles, err := s.store.GetProfilesByExternalIDs(ctx, externalIDs)
	if err != nil {
		return nil, s.failed(ctx, "load_profiles", err)
	}

	out := make([]domain.UserResult, 0, len(externalIDs))
	for _, extID := range externalIDs {
		p, ok := profiles[extID]
		if !ok || p.UserID == caller.UserID {
			continue
		}
		out = append(out, domain.UserResult{
			UserID:     p.UserID,
			ExternalID: p.ExternalID,
			Name:       p.DisplayName(),
			AvatarURL:  p.ImageURL,
			Email:      p.Email,
		})
	}
	return out, nil
}

func (s *ChatService) resolveCaller(ctx context.Context, callerID string) (domain.Profile, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return domain.Profile{}, newError(ErrorUnauthorized, "missing_caller", nil)
	}
	p, ok, err := s.store.GetProfileByExternalID(ctx, callerID)
	if err != nil {
		return domain.Profile{}, s.failed(ctx, "caller_profile", err)
	}
	if !ok {
		return domain.Profile{}, newError(ErrorNotFound, "caller_profile_missing", nil)
	}
	return p, nil
}

// participantConversation loads a conversation the caller belongs to. Missing
// conversations and foreign ones fail identically.
func (s *ChatService) participantConversation(ctx context.Context, caller domain.Profile, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	conv, ok, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, s.failed(ctx, "get_conversation", err)
	}
	if !ok || !conv.HasParticipant(caller.UserID) {
		return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	return conv, nil
}

func (s *ChatService) failed(ctx context.Context, op string, err error) *Error {
	slog.ErrorContext(ctx, "chat operation failed", "op", op, "err", err)
	return newError(ErrorOperationFailed, op+"_error", err)
}

func participant(userID string, profiles map[string]domain.Profile) domain.Participant {
	p, ok := profiles[userID]
	if !ok {
		p = domain.Profile{UserID: userID}
	}
	return domain.Participant{
		ID:         userID,
		ExternalID: p.ExternalID,
		Name:       p.DisplayName(),
		AvatarURL:  p.ImageURL,
	}
}

func messageView(m domain.Message, callerUserID string, profiles map[string]domain.Profile) domain.MessageView {
	sender := profiles[m.SenderID]
	return domain.MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		SenderID:       m.SenderID,
		SenderName:     sender.DisplayName(),
		SenderAvatar:   sender.ImageURL,
		IsCurrentUser:  m.SenderID == callerUserID,
		CreatedAt:      m.CreatedAt,
	}
}

var newUUID = func() string {
	return uuid.NewString()
}

var now = time.Now
