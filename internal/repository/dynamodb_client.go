package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

const (
	pkPrefixThread  = "THREAD#"
	pkPrefixChatbot = "CHATBOT#"
	pkPrefixAgent   = "AGENT#"
	skPrefixMsg     = "MSG#"
	skPrefixMsgID   = "MSGID#"
	skMeta          = "META#"

	// ThreadsByUserIndex is the GSI keyed by user and chatbot.
	ThreadsByUserIndex = "ThreadsByUser"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// ThreadStore is the durable thread history consumed by the realtime,
// orchestrator and session packages.
type ThreadStore interface {
	GetThread(ctx context.Context, threadID string) (domain.Thread, error)
	AppendMessage(ctx context.Context, threadID string, msg domain.Message) error
	CreateThread(ctx context.Context, thread domain.Thread) error
	FindThreads(ctx context.Context, ownerID, userID, chatbotID string) ([]domain.Thread, error)
	MarkRead(ctx context.Context, threadID, messageID string) error
}

// Client wraps a single DynamoDB table holding threads, messages, chatbots
// and agents.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func threadPK(threadID string) string {
	return pkPrefixThread + threadID
}

// msgSK sorts messages by creation time, then id.
func msgSK(msg domain.Message) string {
	return skPrefixMsg + padInt(msg.CreatedAt) + "#" + msg.ID
}

func userBotKey(userID, chatbotID string) string {
	return "USER#" + userID + "#BOT#" + chatbotID
}

func padInt(n int64) string {
	return fmt.Sprintf("%020d", n)
}

// GetThread reads the thread meta item and all of its messages in one
// partition query.
func (c *Client) GetThread(ctx context.Context, threadID string) (domain.Thread, error) {
	if strings.TrimSpace(threadID) == "" {
		return domain.Thread{}, errors.New("repository: GetThread: thread id is required")
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: threadPK(threadID)},
		},
		ConsistentRead: aws.Bool(true),
	}

	var (
		thread   domain.Thread
		haveMeta bool
	)
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return domain.Thread{}, fmt.Errorf("repository: GetThread query: %w", classify(err))
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return domain.Thread{}, fmt.Errorf("repository: GetThread: %w", err)
			}
			switch {
			case sk == skMeta:
				thread, err = itemToThread(item)
				if err != nil {
					return domain.Thread{}, fmt.Errorf("repository: GetThread unmarshal meta: %w", err)
				}
				haveMeta = true
			case strings.HasPrefix(sk, skPrefixMsg):
				msg, err := itemToMessage(item)
				if err != nil {
					return domain.Thread{}, fmt.Errorf("repository: GetThread unmarshal message: %w", err)
				}
				thread.Messages = append(thread.Messages, msg)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if !haveMeta {
		return domain.Thread{}, fmt.Errorf("repository: GetThread %q: %w", threadID, domain.ErrNotFound)
	}
	if thread.Messages == nil {
		thread.Messages = []domain.Message{}
	}
	sort.SliceStable(thread.Messages, func(i, j int) bool {
		return thread.Messages[i].CreatedAt < thread.Messages[j].CreatedAt
	})
	return thread, nil
}

// AppendMessage persists msg into an existing thread. The message id is
// claimed by a MSGID# guard item in the same transaction, so appending an id
// twice is a no-op even when the retry carries a different createdAt.
func (c *Client) AppendMessage(ctx context.Context, threadID string, msg domain.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	if err := c.ensureThread(ctx, threadID); err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}

	stored := msg.Clone()
	if stored.Metadata == nil {
		stored.Metadata = map[string]string{}
	}
	stored.Metadata[domain.MetaPersistedAt] = c.now().UTC().Format(time.RFC3339Nano)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item: map[string]types.AttributeValue{
					"PK":        &types.AttributeValueMemberS{Value: threadPK(threadID)},
					"SK":        &types.AttributeValueMemberS{Value: skPrefixMsgID + msg.ID},
					"messageSK": &types.AttributeValueMemberS{Value: msgSK(msg)},
				},
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                messageItem(threadID, stored),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			}},
		},
	})
	if err != nil {
		if alreadyAppended(err) {
			return nil
		}
		return fmt.Errorf("repository: AppendMessage: %w", classify(err))
	}
	return nil
}

// alreadyAppended reports whether a transaction was cancelled only by
// failed attribute_not_exists conditions.
func alreadyAppended(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	conflicts := 0
	for _, r := range tce.CancellationReasons {
		switch code := aws.ToString(r.Code); code {
		case "", "None":
		case "ConditionalCheckFailed":
			conflicts++
		default:
			return false
		}
	}
	return conflicts > 0
}

func (c *Client) ensureThread(ctx context.Context, threadID string) error {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("get thread %q: %w", threadID, classify(err))
	}
	if out == nil || len(out.Item) == 0 {
		return fmt.Errorf("thread %q: %w", threadID, domain.ErrNotFound)
	}
	return nil
}

// CreateThread writes a new thread meta item. It fails if the id is taken.
func (c *Client) CreateThread(ctx context.Context, thread domain.Thread) error {
	if strings.TrimSpace(thread.ID) == "" {
		return errors.New("repository: CreateThread: thread id is required")
	}
	if strings.TrimSpace(thread.UserID) == "" || strings.TrimSpace(thread.ChatbotID) == "" || strings.TrimSpace(thread.OwnerID) == "" {
		return errors.New("repository: CreateThread: user, chatbot and owner are required")
	}
	if thread.CreatedAt <= 0 {
		thread.CreatedAt = c.now().UnixMilli()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                threadItem(thread),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateThread: %w", classify(err))
	}
	return nil
}

// FindThreads returns the threads of one (owner, user, chatbot) triple,
// newest first. Messages are not loaded.
func (c *Client) FindThreads(ctx context.Context, ownerID, userID, chatbotID string) ([]domain.Thread, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(ThreadsByUserIndex),
		KeyConditionExpression: aws.String("GSI1PK = :gpk"),
		FilterExpression:       aws.String("ownerId = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":gpk":   &types.AttributeValueMemberS{Value: userBotKey(userID, chatbotID)},
			":owner": &types.AttributeValueMemberS{Value: ownerID},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var threads []domain.Thread
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: FindThreads query: %w", classify(err))
		}
		for _, item := range out.Items {
			t, err := itemToThread(item)
			if err != nil {
				return nil, fmt.Errorf("repository: FindThreads unmarshal: %w", err)
			}
			// The index is shared across owners; never trust it alone.
			if !t.Matches(ownerID, userID, chatbotID) {
				continue
			}
			threads = append(threads, t)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return threads, nil
}

// MarkRead records the id of the last message the user has seen.
func (c *Client) MarkRead(ctx context.Context, threadID, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return errors.New("repository: MarkRead: message id is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET readMessageId = :mid"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":mid": &types.AttributeValueMemberS{Value: messageID},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("repository: MarkRead %q: %w", threadID, domain.ErrNotFound)
		}
		return fmt.Errorf("repository: MarkRead: %w", classify(err))
	}
	return nil
}

// GetChatbot reads a chatbot definition.
func (c *Client) GetChatbot(ctx context.Context, chatbotID string) (domain.Chatbot, error) {
	item, err := c.getMeta(ctx, pkPrefixChatbot+chatbotID)
	if err != nil {
		return domain.Chatbot{}, fmt.Errorf("repository: GetChatbot %q: %w", chatbotID, err)
	}
	bot := domain.Chatbot{ID: chatbotID}
	if bot.OwnerID, err = strAttr(item, "ownerId"); err != nil {
		return domain.Chatbot{}, fmt.Errorf("repository: GetChatbot unmarshal: %w", err)
	}
	bot.Name = optStrAttr(item, "name")
	bot.AgentID = optStrAttr(item, "agentId")
	bot.Appearance = domain.Appearance{
		Color: optStrAttr(item, "color"),
		Font:  optStrAttr(item, "font"),
		Size:  optStrAttr(item, "size"),
	}
	return bot, nil
}

// GetAgent reads an agent definition.
func (c *Client) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	item, err := c.getMeta(ctx, pkPrefixAgent+agentID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("repository: GetAgent %q: %w", agentID, err)
	}
	agent := domain.Agent{ID: agentID}
	if agent.OwnerID, err = strAttr(item, "ownerId"); err != nil {
		return domain.Agent{}, fmt.Errorf("repository: GetAgent unmarshal: %w", err)
	}
	agent.Name = optStrAttr(item, "name")
	agent.Instructions = optStrAttr(item, "instructions")
	agent.Model = optStrAttr(item, "model")
	return agent, nil
}

func (c *Client) getMeta(ctx context.Context, pk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, domain.ErrNotFound
	}
	return out.Item, nil
}

// classify maps DynamoDB authorization failures onto ErrPermissionDenied.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException":
			return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
	}
	return err
}

func itemToThread(item map[string]types.AttributeValue) (domain.Thread, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Thread{}, err
	}
	chatbotID, err := strAttr(item, "chatbotId")
	if err != nil {
		return domain.Thread{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Thread{}, err
	}
	ownerID, err := strAttr(item, "ownerId")
	if err != nil {
		return domain.Thread{}, err
	}
	createdAt, _ := int64Attr(item, "createdAt") // allow missing
	return domain.Thread{
		ID:            id,
		ChatbotID:     chatbotID,
		UserID:        userID,
		OwnerID:       ownerID,
		CreatedAt:     createdAt,
		ReadMessageID: optStrAttr(item, "readMessageId"),
	}, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message and rejects
// shapes the rest of the module cannot render.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := int64Attr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	contentType := optStrAttr(item, "contentType")
	if contentType == "" {
		contentType = string(domain.ContentText)
	}
	msg := domain.Message{
		ID:          id,
		Role:        domain.Role(role),
		Content:     optStrAttr(item, "content"), // allow empty
		CreatedAt:   createdAt,
		ContentType: domain.ContentType(contentType),
		Metadata:    mapAttr(item, "metadata"),
	}
	if err := msg.Validate(); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func messageItem(threadID string, msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: threadPK(threadID)},
		"SK":          &types.AttributeValueMemberS{Value: msgSK(msg)},
		"id":          &types.AttributeValueMemberS{Value: msg.ID},
		"role":        &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":     &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt":   &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.CreatedAt, 10)},
		"contentType": &types.AttributeValueMemberS{Value: string(msg.ContentType)},
	}
	if len(msg.Metadata) > 0 {
		md := make(map[string]types.AttributeValue, len(msg.Metadata))
		for k, v := range msg.Metadata {
			md[k] = &types.AttributeValueMemberS{Value: v}
		}
		item["metadata"] = &types.AttributeValueMemberM{Value: md}
	}
	return item
}

func threadItem(t domain.Thread) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: threadPK(t.ID)},
		"SK":        &types.AttributeValueMemberS{Value: skMeta},
		"GSI1PK":    &types.AttributeValueMemberS{Value: userBotKey(t.UserID, t.ChatbotID)},
		"GSI1SK":    &types.AttributeValueMemberS{Value: padInt(t.CreatedAt)},
		"id":        &types.AttributeValueMemberS{Value: t.ID},
		"chatbotId": &types.AttributeValueMemberS{Value: t.ChatbotID},
		"userId":    &types.AttributeValueMemberS{Value: t.UserID},
		"ownerId":   &types.AttributeValueMemberS{Value: t.OwnerID},
		"createdAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(t.CreatedAt, 10)},
	}
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

func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func mapAttr(item map[string]types.AttributeValue, key string) map[string]string {
	v, ok := item[key].(*types.AttributeValueMemberM)
	if !ok || len(v.Value) == 0 {
		return nil
	}
	out := make(map[string]string, len(v.Value))
	for k, av := range v.Value {
		if s, ok := av.(*types.AttributeValueMemberS); ok {
			out[k] = s.Value
		}
	}
	return out
}
