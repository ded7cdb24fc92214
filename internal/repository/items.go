package repository

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"marketplace-chat/internal/domain"
)

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	item := key(convPK(conv.ID), skMeta)
	item["id"] = &types.AttributeValueMemberS{Value: conv.ID}
	item["participantIds"] = stringList(conv.ParticipantIDs)
	item["pairKey"] = &types.AttributeValueMemberS{Value: conv.PairKey}
	item["createdAt"] = timeValue(conv.CreatedAt)
	item["updatedAt"] = timeValue(conv.UpdatedAt)
	if !conv.LastMessageAt.IsZero() {
		item["lastMessageAt"] = timeValue(conv.LastMessageAt)
		item["lastMessagePreview"] = &types.AttributeValueMemberS{Value: conv.LastMessagePreview}
		item["lastMessageSender"] = &types.AttributeValueMemberS{Value: conv.LastMessageSender}
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Conversation{}, err
	}
	participants, err := listAttr(item, "participantIds")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	pairKey, _ := strAttr(item, "pairKey")
	lastAt, _ := timeAttr(item, "lastMessageAt") // absent until the first message
	preview, _ := strAttr(item, "lastMessagePreview")
	sender, _ := strAttr(item, "lastMessageSender")

	return domain.Conversation{
		ID:                 id,
		ParticipantIDs:     participants,
		PairKey:            pairKey,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
		LastMessageAt:      lastAt,
		LastMessagePreview: preview,
		LastMessageSender:  sender,
	}, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := key(convPK(msg.ConversationID), msgSK(msg.CreatedAt, msg.ID))
	item["id"] = &types.AttributeValueMemberS{Value: msg.ID}
	item["conversationId"] = &types.AttributeValueMemberS{Value: msg.ConversationID}
	item["senderId"] = &types.AttributeValueMemberS{Value: msg.SenderID}
	item["content"] = &types.AttributeValueMemberS{Value: msg.Content}
	item["createdAt"] = timeValue(msg.CreatedAt)
	item["readBy"] = stringList(msg.ReadBy)
	return item
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	sender, err := strAttr(item, "senderId")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	readBy, err := listAttr(item, "readBy")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      createdAt,
		ReadBy:         readBy,
	}, nil
}

func itemToProfile(item map[string]types.AttributeValue) (domain.Profile, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Profile{}, err
	}
	externalID, err := strAttr(item, "externalId")
	if err != nil {
		return domain.Profile{}, err
	}
	first, _ := strAttr(item, "firstName") // allow empty
	last, _ := strAttr(item, "lastName")
	image, _ := strAttr(item, "imageUrl")
	email, _ := strAttr(item, "email")
	return domain.Profile{
		UserID:     userID,
		ExternalID: externalID,
		FirstName:  first,
		LastName:   last,
		ImageURL:   image,
		Email:      email,
	}, nil
}

func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func stringList(values []string) types.AttributeValue {
	list := make([]types.AttributeValue, 0, len(values))
	for _, v := range values {
		list = append(list, &types.AttributeValueMemberS{Value: v})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

func listAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("repository: missing attribute %q", key)
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for _, elem := range l.Value {
		s, ok := elem.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q holds a non-string element", key)
		}
		out = append(out, s.Value)
	}
	return out, nil
}
