package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"marketplace-chat/internal/domain"
)

const (
	skPrefixMsg  = "MSG#"
	skPrefixConv = "CONV#"
	skMeta       = "META"
	skProfile    = "PROFILE"
	skPair       = "PAIR"

	// DynamoDB caps transactions and batch reads at 100 items.
	maxTransactItems = 100
	maxBatchGetKeys  = 100
	maxBatchRetries  = 3

	// sortableTime keeps a fixed width so message sort keys order lexically.
	sortableTime = "2006-01-02T15:04:05.000000000Z07:00"
)

const createOnce = "attribute_not_exists(PK) AND attribute_not_exists(SK)"

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores profiles, conversations and messages in a single DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func convPK(conversationID string) string { return "CONV#" + conversationID }
func userPK(userID string) string         { return "USER#" + userID }
func extPK(externalID string) string      { return "EXT#" + externalID }
func pairPK(pairKey string) string        { return "PAIR#" + pairKey }

// msgSK orders messages by creation time; the id breaks ties.
func msgSK(createdAt time.Time, id string) string {
	return skPrefixMsg + createdAt.UTC().Format(sortableTime) + "#" + id
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// ---- Profiles ----

// GetProfileByExternalID resolves an identity-provider subject to a profile.
func (c *Client) GetProfileByExternalID(ctx context.Context, externalID string) (domain.Profile, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(extPK(externalID), skProfile),
	})
	if err != nil {
		return domain.Profile{}, false, fmt.Errorf("repository: GetProfileByExternalID: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Profile{}, false, nil
	}
	p, err := itemToProfile(out.Item)
	if err != nil {
		return domain.Profile{}, false, fmt.Errorf("repository: GetProfileByExternalID decode: %w", err)
	}
	return p, true, nil
}

// GetProfiles loads profiles by user id. Missing users are absent from the result.
func (c *Client) GetProfiles(ctx context.Context, userIDs []string) (map[string]domain.Profile, error) {
	keys := make([]map[string]types.AttributeValue, 0, len(userIDs))
	for _, id := range dedupe(userIDs) {
		keys = append(keys, key(userPK(id), skProfile))
	}
	items, err := c.batchGet(ctx, keys, false)
	if err != nil {
		return nil, fmt.Errorf("repository: GetProfiles: %w", err)
	}
	out := make(map[string]domain.Profile, len(items))
	for _, item := range items {
		p, err := itemToProfile(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetProfiles decode: %w", err)
		}
		out[p.UserID] = p
	}
	return out, nil
}

// GetProfilesByExternalIDs loads profiles keyed by identity-provider subject.
func (c *Client) GetProfilesByExternalIDs(ctx context.Context, externalIDs []string) (map[string]domain.Profile, error) {
	keys := make([]map[string]types.AttributeValue, 0, len(externalIDs))
	for _, id := range dedupe(externalIDs) {
		keys = append(keys, key(extPK(id), skProfile))
	}
	items, err := c.batchGet(ctx, keys, false)
	if err != nil {
		return nil, fmt.Errorf("repository: GetProfilesByExternalIDs: %w", err)
	}
	out := make(map[string]domain.Profile, len(items))
	for _, item := range items {
		p, err := itemToProfile(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetProfilesByExternalIDs decode: %w", err)
		}
		out[p.ExternalID] = p
	}
	return out, nil
}

// ---- Conversations ----

// CreateConversation writes the pair record, the conversation and both
// membership records in one transaction. When the pair record already exists
// the stored conversation is returned instead and created is false.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, bool, error) {
	if conv.ID == "" || len(conv.ParticipantIDs) != 2 {
		return domain.Conversation{}, false, errors.New("repository: CreateConversation: id and two participants are required")
	}
	if conv.PairKey == "" {
		conv.PairKey = domain.PairKey(conv.ParticipantIDs[0], conv.ParticipantIDs[1])
	}

	pairItem := key(pairPK(conv.PairKey), skPair)
	pairItem["conversationId"] = &types.AttributeValueMemberS{Value: conv.ID}

	items := []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                pairItem,
			ConditionExpression: aws.String(createOnce),
		}},
		{Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                conversationItem(conv),
			ConditionExpression: aws.String(createOnce),
		}},
	}
	for _, userID := range conv.ParticipantIDs {
		member := key(userPK(userID), skPrefixConv+conv.ID)
		member["conversationId"] = &types.AttributeValueMemberS{Value: conv.ID}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(c.tableName),
			Item:      member,
		}})
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return conv, true, nil
	}
	if !conditionFailed(err) {
		return domain.Conversation{}, false, fmt.Errorf("repository: CreateConversation: %w", err)
	}

	existing, ok, findErr := c.FindConversationByPair(ctx, conv.ParticipantIDs[0], conv.ParticipantIDs[1])
	if findErr != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: CreateConversation: %w", findErr)
	}
	if !ok {
		return domain.Conversation{}, false, fmt.Errorf("repository: CreateConversation: %w", domain.ErrConflict)
	}
	return existing, false, nil
}

// FindConversationByPair returns the conversation between two users, if any.
func (c *Client) FindConversationByPair(ctx context.Context, a, b string) (domain.Conversation, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(pairPK(domain.PairKey(a, b)), skPair),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: FindConversationByPair: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, false, nil
	}
	convID, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: FindConversationByPair decode: %w", err)
	}
	return c.GetConversation(ctx, convID)
}

// GetConversation loads a conversation record.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, false, nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, true, nil
}

// ListConversationsForUser returns every conversation userID participates in, unordered.
func (c *Client) ListConversationsForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var keys []map[string]types.AttributeValue
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixConv},
		},
	}
	err := c.queryPages(ctx, in, func(out *dynamodb.QueryOutput) error {
		for _, item := range out.Items {
			convID, err := strAttr(item, "conversationId")
			if err != nil {
				return err
			}
			keys = append(keys, key(convPK(convID), skMeta))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversationsForUser: %w", err)
	}

	items, err := c.batchGet(ctx, keys, true)
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversationsForUser: %w", err)
	}
	convs := make([]domain.Conversation, 0, len(items))
	for _, item := range items {
		conv, err := itemToConversation(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversationsForUser decode: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// TouchConversation bumps the activity fields after a message append.
func (c *Client) TouchConversation(ctx context.Context, conversationID string, activity domain.ConversationActivity) error {
	at := activity.At.UTC().Format(time.RFC3339Nano)
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET updatedAt = :at, lastMessageAt = :at, lastMessagePreview = :preview, lastMessageSender = :sender"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":      &types.AttributeValueMemberS{Value: at},
			":preview": &types.AttributeValueMemberS{Value: activity.Preview},
			":sender":  &types.AttributeValueMemberS{Value: activity.Sender},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: TouchConversation: %w", err)
	}
	return nil
}

// ---- Messages ----

// PutMessage persists a new message. Messages are never overwritten.
func (c *Client) PutMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: PutMessage: id and conversation id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String(createOnce),
	})
	if err != nil {
		return fmt.Errorf("repository: PutMessage: %w", err)
	}
	return nil
}

// LatestMessage returns the most recent message of a conversation.
func (c *Client) LatestMessage(ctx context.Context, conversationID string) (domain.Message, bool, error) {
	msgs, err := c.ListMessages(ctx, conversationID, 1)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("repository: LatestMessage: %w", err)
	}
	if len(msgs) == 0 {
		return domain.Message{}, false, nil
	}
	return msgs[0], true, nil
}

// ListMessages returns up to limit of the most recent messages in ascending order.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, errors.New("repository: ListMessages: limit must be positive")
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		KeyConditionExpression:    aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: messagePrefixValues(conversationID),
		// Read newest first so LIMIT favors the most recent messages.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListUnreadMessages returns the messages of a conversation that userID has not read.
func (c *Client) ListUnreadMessages(ctx context.Context, conversationID, userID string) ([]domain.Message, error) {
	var msgs []domain.Message
	err := c.queryPages(ctx, unreadQuery(c.tableName, conversationID, userID), func(out *dynamodb.QueryOutput) error {
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListUnreadMessages: %w", err)
	}
	return msgs, nil
}

// CountUnread counts the messages of a conversation that userID has not read.
func (c *Client) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	in := unreadQuery(c.tableName, conversationID, userID)
	in.Select = types.SelectCount
	total := 0
	err := c.queryPages(ctx, in, func(out *dynamodb.QueryOutput) error {
		total += int(out.Count)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("repository: CountUnread: %w", err)
	}
	return total, nil
}

// MarkRead appends userID to readBy of each message. Every chunk of up to 100
// messages is applied as one transaction. A message already read by userID
// cancels its chunk and the error wraps domain.ErrConflict.
//
// Chunks commit independently: when a later chunk fails, earlier chunks stay
// applied. readBy only grows, so calling again with the messages still unread
// finishes the job.
func (c *Client) MarkRead(ctx context.Context, conversationID string, msgs []domain.Message, userID string) error {
	for start := 0; start < len(msgs); start += maxTransactItems {
		end := min(start+maxTransactItems, len(msgs))
		items := make([]types.TransactWriteItem, 0, end-start)
		for _, m := range msgs[start:end] {
			items = append(items, types.TransactWriteItem{Update: &types.Update{
				TableName:           aws.String(c.tableName),
				Key:                 key(convPK(conversationID), msgSK(m.CreatedAt, m.ID)),
				UpdateExpression:    aws.String("SET #rb = list_append(#rb, :reader)"),
				ConditionExpression: aws.String("attribute_exists(PK) AND NOT contains(#rb, :uid)"),
				ExpressionAttributeNames: map[string]string{
					"#rb": "readBy",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":reader": &types.AttributeValueMemberL{Value: []types.AttributeValue{
						&types.AttributeValueMemberS{Value: userID},
					}},
					":uid": &types.AttributeValueMemberS{Value: userID},
				},
			}})
		}
		_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err != nil {
			if conditionFailed(err) {
				return fmt.Errorf("repository: MarkRead: %w: %w", domain.ErrConflict, err)
			}
			return fmt.Errorf("repository: MarkRead: %w", err)
		}
	}
	return nil
}

func messagePrefixValues(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
		":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
	}
}

// unreadQuery selects messages not authored by userID whose readBy lacks userID.
func unreadQuery(table, conversationID, userID string) *dynamodb.QueryInput {
	values := messagePrefixValues(conversationID)
	values[":uid"] = &types.AttributeValueMemberS{Value: userID}
	return &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("#sender <> :uid AND NOT contains(#rb, :uid)"),
		ExpressionAttributeNames: map[string]string{
			"#sender": "senderId",
			"#rb":     "readBy",
		},
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
}

func (c *Client) queryPages(ctx context.Context, in *dynamodb.QueryInput, fn func(*dynamodb.QueryOutput) error) error {
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := fn(out); err != nil {
			return err
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// batchGet reads keys in chunks, retrying unprocessed keys a bounded number of times.
func (c *Client) batchGet(ctx context.Context, keys []map[string]types.AttributeValue, consistent bool) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for start := 0; start < len(keys); start += maxBatchGetKeys {
		pending := keys[start:min(start+maxBatchGetKeys, len(keys))]
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt == maxBatchRetries {
				return nil, fmt.Errorf("batch get: %d keys left unprocessed", len(pending))
			}
			out, err := c.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					c.tableName: {Keys: pending, ConsistentRead: aws.Bool(consistent)},
				},
			})
			if err != nil {
				return nil, fmt.Errorf("batch get: %w", err)
			}
			if out == nil {
				break
			}
			items = append(items, out.Responses[c.tableName]...)
			pending = out.UnprocessedKeys[c.tableName].Keys
		}
	}
	return items, nil
}

// conditionFailed reports whether a write was rejected by a condition expression.
func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
