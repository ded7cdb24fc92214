package usecase

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"marketplace-chat/internal/domain"
)

// memStore is an in-memory ConversationStore with the same semantics as the
// DynamoDB repository: create-once pair keys, append-only readBy.
type memStore struct {
	profiles      map[string]domain.Profile // by user id
	conversations map[string]domain.Conversation
	pairs         map[string]string
	messages      map[string][]domain.Message

	errs           map[string]error // keyed by method name
	touchCalls     int
	markReadCalls  int
	conflictsLeft  int
	createdRaceFor string // pair key pre-claimed by a concurrent creator
}

func newMemStore(profiles ...domain.Profile) *memStore {
	m := &memStore{
		profiles:      map[string]domain.Profile{},
		conversations: map[string]domain.Conversation{},
		pairs:         map[string]string{},
		messages:      map[string][]domain.Message{},
		errs:          map[string]error{},
	}
	for _, p := range profiles {
		m.profiles[p.UserID] = p
	}
	return m
}

func (m *memStore) GetProfileByExternalID(_ context.Context, externalID string) (domain.Profile, bool, error) {
	if err := m.errs["GetProfileByExternalID"]; err != nil {
		return domain.Profile{}, false, err
	}
	for _, p := range m.profiles {
		if p.ExternalID == externalID {
			return p, true, nil
		}
	}
	return domain.Profile{}, false, nil
}

func (m *memStore) GetProfiles(_ context.Context, userIDs []string) (map[string]domain.Profile, error) {
	if err := m.errs["GetProfiles"]; err != nil {
		return nil, err
	}
	out := map[string]domain.Profile{}
	for _, id := range userIDs {
		if p, ok := m.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *memStore) GetProfilesByExternalIDs(_ context.Context, externalIDs []string) (map[string]domain.Profile, error) {
	if err := m.errs["GetProfilesByExternalIDs"]; err != nil {
		return nil, err
	}
	out := map[string]domain.Profile{}
	for _, p := range m.profiles {
		if slices.Contains(externalIDs, p.ExternalID) {
			out[p.ExternalID] = p
		}
	}
	return out, nil
}

func (m *memStore) CreateConversation(_ context.Context, conv domain.Conversation) (domain.Conversation, bool, error) {
	if err := m.errs["CreateConversation"]; err != nil {
		return domain.Conversation{}, false, err
	}
	if id, ok := m.pairs[conv.PairKey]; ok {
		return m.conversations[id], false, nil
	}
	m.pairs[conv.PairKey] = conv.ID
	m.conversations[conv.ID] = conv
	return conv, true, nil
}

func (m *memStore) FindConversationByPair(_ context.Context, a, b string) (domain.Conversation, bool, error) {
	if err := m.errs["FindConversationByPair"]; err != nil {
		return domain.Conversation{}, false, err
	}
	key := domain.PairKey(a, b)
	if key == m.createdRaceFor {
		// The concurrent creator commits between our lookup and our create.
		m.createdRaceFor = ""
		m.pairs[key] = "conv-raced"
		m.conversations["conv-raced"] = domain.Conversation{ID: "conv-raced", ParticipantIDs: []string{a, b}, PairKey: key}
		return domain.Conversation{}, false, nil
	}
	id, ok := m.pairs[key]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return m.conversations[id], true, nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	if err := m.errs["GetConversation"]; err != nil {
		return domain.Conversation{}, false, err
	}
	conv, ok := m.conversations[id]
	return conv, ok, nil
}

func (m *memStore) ListConversationsForUser(_ context.Context, userID string) ([]domain.Conversation, error) {
	if err := m.errs["ListConversationsForUser"]; err != nil {
		return nil, err
	}
	var out []domain.Conversation
	for _, conv := range m.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (m *memStore) TouchConversation(_ context.Context, id string, activity domain.ConversationActivity) error {
	m.touchCalls++
	if err := m.errs["TouchConversation"]; err != nil {
		return err
	}
	conv, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s missing", id)
	}
	conv.UpdatedAt = activity.At
	conv.LastMessageAt = activity.At
	conv.LastMessagePreview = activity.Preview
	conv.LastMessageSender = activity.Sender
	m.conversations[id] = conv
	return nil
}

func (m *memStore) PutMessage(_ context.Context, msg domain.Message) error {
	if err := m.errs["PutMessage"]; err != nil {
		return err
	}
	msg.ReadBy = slices.Clone(msg.ReadBy)
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

func (m *memStore) sorted(conversationID string) []domain.Message {
	msgs := slices.Clone(m.messages[conversationID])
	slices.SortStableFunc(msgs, func(a, b domain.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return msgs
}

func (m *memStore) LatestMessage(_ context.Context, conversationID string) (domain.Message, bool, error) {
	if err := m.errs["LatestMessage"]; err != nil {
		return domain.Message{}, false, err
	}
	msgs := m.sorted(conversationID)
	if len(msgs) == 0 {
		return domain.Message{}, false, nil
	}
	return msgs[len(msgs)-1], true, nil
}

func (m *memStore) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if err := m.errs["ListMessages"]; err != nil {
		return nil, err
	}
	msgs := m.sorted(conversationID)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *memStore) ListUnreadMessages(_ context.Context, conversationID, userID string) ([]domain.Message, error) {
	if err := m.errs["ListUnreadMessages"]; err != nil {
		return nil, err
	}
	var out []domain.Message
	for _, msg := range m.messages[conversationID] {
		if msg.IsUnreadBy(userID) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	if err := m.errs["CountUnread"]; err != nil {
		return 0, err
	}
	msgs, _ := m.ListUnreadMessages(ctx, conversationID, userID)
	return len(msgs), nil
}

// MarkRead is all-or-nothing: a message already read by userID rejects the batch.
func (m *memStore) MarkRead(_ context.Context, conversationID string, msgs []domain.Message, userID string) error {
	m.markReadCalls++
	if err := m.errs["MarkRead"]; err != nil {
		return err
	}
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return fmt.Errorf("mem: %w", domain.ErrConflict)
	}
	stored := m.messages[conversationID]
	idx := map[string]int{}
	for i, s := range stored {
		idx[s.ID] = i
	}
	for _, msg := range msgs {
		i, ok := idx[msg.ID]
		if !ok || slices.Contains(stored[i].ReadBy, userID) {
			return fmt.Errorf("mem: %w", domain.ErrConflict)
		}
	}
	for _, msg := range msgs {
		i := idx[msg.ID]
		stored[i].ReadBy = append(stored[i].ReadBy, userID)
	}
	return nil
}

func (m *memStore) addMessage(convID, id, sender string, at int, readBy ...string) {
	m.messages[convID] = append(m.messages[convID], domain.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        "msg " + id,
		CreatedAt:      base.Add(minutes(at)),
		ReadBy:         append([]string{sender}, readBy...),
	})
}

func (m *memStore) addConversation(id string, a, b string, updatedAt int) {
	conv := domain.Conversation{
		ID:             id,
		ParticipantIDs: []string{a, b},
		PairKey:        domain.PairKey(a, b),
		CreatedAt:      base,
		UpdatedAt:      base.Add(minutes(updatedAt)),
	}
	m.conversations[id] = conv
	m.pairs[conv.PairKey] = id
}

func (m *memStore) readBy(convID, msgID string) []string {
	for _, msg := range m.messages[convID] {
		if msg.ID == msgID {
			return slices.Clone(msg.ReadBy)
		}
	}
	return nil
}

type fakeSearcher struct {
	ids       []string
	err       error
	lastQuery string
}

func (f *fakeSearcher) SearchUserIDs(_ context.Context, query string, _ int) ([]string, error) {
	f.lastQuery = query
	return f.ids, f.err
}
