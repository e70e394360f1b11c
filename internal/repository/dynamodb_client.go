package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"broker-relay/internal/domain"
)

const (
	pkPrefixSession = "SESSION#"
	pkPrefixThread  = "THREAD#"
	skPrefixMsg     = "MSG#"
	skMeta          = "META#"

	defaultRetention  = 7 * 24 * time.Hour
	maxAppendAttempts = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores chat sessions in a single DynamoDB table so that several
// service instances share one registry. Expiry relies on the table's TTL
// attribute "ttl"; DynamoDB deletes lazily, so reads also treat session and
// thread records whose ttl has passed as absent.
//
// Messages are never expired on their own. Their ttl always lies beyond the
// session's: it starts at one and a half retention periods, and an append
// pushes every message of the session forward again once half a retention
// has passed since the last push.
type Client struct {
	api       dynamodbAPI
	tableName string
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Client)

func WithRetention(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, retention: defaultRetention, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sessionPK(sessionID string) string {
	return pkPrefixSession + sessionID
}

func threadPK(threadID int64) string {
	return pkPrefixThread + strconv.FormatInt(threadID, 10)
}

// msgSK orders messages by timestamp; the message id breaks no ties because
// timestamps are unique within a session.
func msgSK(ts time.Time, messageID string) string {
	return fmt.Sprintf("%s%013d#%s", skPrefixMsg, ts.UnixMilli(), messageID)
}

// msgSKAfter is the lowest sort key strictly above every message stamped at
// or before ts. Message ids never contain '~'.
func msgSKAfter(ts time.Time) string {
	if ts.IsZero() || ts.UnixMilli() < 0 {
		return skPrefixMsg
	}
	return fmt.Sprintf("%s%013d#~", skPrefixMsg, ts.UnixMilli())
}

func (c *Client) ttlValue(from time.Time) int64 {
	return from.Add(c.retention).Unix()
}

func (c *Client) messageTTL(from time.Time) int64 {
	return from.Add(c.retention + c.retention/2).Unix()
}

// CreateSession writes the session metadata record. An existing record yields
// domain.ErrSessionExists.
func (c *Client) CreateSession(ctx context.Context, sessionID, contact string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, errors.New("repository: CreateSession: session id is required")
	}
	if strings.TrimSpace(contact) == "" {
		contact = domain.UnknownContact
	}
	now := c.now().UTC()

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":           &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK":           &types.AttributeValueMemberS{Value: skMeta},
			"sessionId":    &types.AttributeValueMemberS{Value: sessionID},
			"contact":      &types.AttributeValueMemberS{Value: contact},
			"createdAt":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			"lastActivity": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			"lastTs":       &types.AttributeValueMemberN{Value: "0"},
			"extendedAt":   numberAttr(now.Unix()),
			"ttl":          numberAttr(c.ttlValue(now)),
		},
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #ttl <= :now"),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numberAttr(now.Unix()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Session{}, fmt.Errorf("repository: CreateSession %q: %w", sessionID, domain.ErrSessionExists)
		}
		return domain.Session{}, fmt.Errorf("repository: CreateSession: %w", err)
	}
	return domain.Session{
		ID:               sessionID,
		RecipientContact: contact,
		CreatedAt:        now,
		LastActivity:     now,
	}, nil
}

// GetSession loads the session metadata and its full message log.
func (c *Client) GetSession(ctx context.Context, sessionID string) (domain.Session, bool, error) {
	meta, ok, err := c.getMeta(ctx, sessionID)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("repository: GetSession: %w", err)
	}
	if !ok {
		return domain.Session{}, false, nil
	}
	msgs, err := c.queryMessages(ctx, meta, time.Time{}, true)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("repository: GetSession: %w", err)
	}
	meta.Session.Messages = msgs
	return meta.Session, true, nil
}

// AddMessage appends a message. The metadata record's lastTs acts as an
// optimistic lock so that concurrent writers never reuse a timestamp.
func (c *Client) AddMessage(ctx context.Context, sessionID, text string, isUser bool) (domain.Message, bool, error) {
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		meta, ok, err := c.getMeta(ctx, sessionID)
		if err != nil {
			return domain.Message{}, false, fmt.Errorf("repository: AddMessage: %w", err)
		}
		if !ok {
			return domain.Message{}, false, nil
		}

		now := c.now().UTC()
		msg := domain.Message{
			ID:        newMessageID(),
			SessionID: sessionID,
			Text:      text,
			IsUser:    isUser,
			Timestamp: domain.NextMessageTimestamp(now, meta.lastTs),
		}

		err = c.appendMessage(ctx, msg, meta, now)
		if err == nil {
			if now.Sub(meta.extendedAt) >= c.retention/2 {
				c.extendMessageTTLs(ctx, sessionID, now)
			}
			return msg, true, nil
		}
		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) {
			return domain.Message{}, false, fmt.Errorf("repository: AddMessage: %w", err)
		}
	}
	return domain.Message{}, false, fmt.Errorf("repository: AddMessage: gave up after %d conflicting writes", maxAppendAttempts)
}

// appendMessage bumps the session record and writes the message in one
// transaction. The thread index record, when present, has its ttl refreshed in
// the same write so it expires together with the session.
func (c *Client) appendMessage(ctx context.Context, msg domain.Message, meta sessionMeta, now time.Time) error {
	items := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName: aws.String(c.tableName),
				Key:       metaKey(sessionPK(msg.SessionID)),
				UpdateExpression: aws.String(
					"SET lastTs = :ts, lastActivity = :now, #ttl = :ttl"),
				ConditionExpression:      aws.String("attribute_exists(PK) AND lastTs = :prev"),
				ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":ts":   numberAttr(msg.UnixMilli()),
					":prev": numberAttr(unixMilliOrZero(meta.lastTs)),
					":now":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
					":ttl":  numberAttr(c.ttlValue(now)),
				},
			},
		},
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                c.messageItem(msg),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		},
	}
	if meta.ExternalThreadID != 0 {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:                aws.String(c.tableName),
				Key:                      metaKey(threadPK(meta.ExternalThreadID)),
				UpdateExpression:         aws.String("SET sessionId = :sid, #ttl = :ttl"),
				ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":sid": &types.AttributeValueMemberS{Value: msg.SessionID},
					":ttl": numberAttr(c.ttlValue(now)),
				},
			},
		})
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	return err
}

// extendMessageTTLs moves the ttl of every message in the session to a full
// message lifetime from now, then records the push on the session. A failure
// leaves extendedAt unchanged so the next append tries again.
func (c *Client) extendMessageTTLs(ctx context.Context, sessionID string, now time.Time) {
	ttl := numberAttr(c.messageTTL(now))
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :msg)"),
		ProjectionExpression:   aws.String("PK, SK"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":msg": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
	}
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			c.logger.Warn("extend message ttl: query failed", "err", err, "session_id", sessionID)
			return
		}
		for _, item := range out.Items {
			_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:                 aws.String(c.tableName),
				Key:                       map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]},
				UpdateExpression:          aws.String("SET #ttl = :ttl"),
				ConditionExpression:       aws.String("attribute_exists(PK)"),
				ExpressionAttributeNames:  map[string]string{"#ttl": "ttl"},
				ExpressionAttributeValues: map[string]types.AttributeValue{":ttl": ttl},
			})
			if err != nil && !isConditionFailed(err) {
				c.logger.Warn("extend message ttl: update failed", "err", err, "session_id", sessionID)
				return
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(sessionPK(sessionID)),
		UpdateExpression:    aws.String("SET extendedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numberAttr(now.Unix()),
		},
	})
	if err != nil && !isConditionFailed(err) {
		c.logger.Warn("extend message ttl: mark session failed", "err", err, "session_id", sessionID)
	}
}

// GetMessagesAfter returns operator messages stamped strictly after the cutoff
// in chronological order. An unknown or expired session yields an empty list.
func (c *Client) GetMessagesAfter(ctx context.Context, sessionID string, after time.Time) ([]domain.Message, error) {
	meta, ok, err := c.getMeta(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository: GetMessagesAfter: %w", err)
	}
	if !ok {
		return []domain.Message{}, nil
	}
	msgs, err := c.queryMessages(ctx, meta, after, false)
	if err != nil {
		return nil, fmt.Errorf("repository: GetMessagesAfter: %w", err)
	}
	return msgs, nil
}

// queryMessages reads the message log of a live session. A session with the
// same id that expired earlier went idle at least one retention before this
// one was created; its items may not be deleted yet and are skipped. Half a
// retention of slack absorbs clock skew between instances.
func (c *Client) queryMessages(ctx context.Context, meta sessionMeta, after time.Time, includeUser bool) ([]domain.Message, error) {
	sessionID := meta.Session.ID
	notBeforeMs := meta.Session.CreatedAt.Add(-c.retention / 2).UnixMilli()
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":from": &types.AttributeValueMemberS{Value: msgSKAfter(after)},
			":to":   &types.AttributeValueMemberS{Value: skPrefixMsg + "~"},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	if !includeUser {
		in.FilterExpression = aws.String("isUser = :visitor")
		in.ExpressionAttributeValues[":visitor"] = &types.AttributeValueMemberBOOL{Value: false}
	}

	msgs := []domain.Message{}
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("unmarshal message: %w", err)
			}
			if msg.UnixMilli() < notBeforeMs {
				continue
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return msgs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// SetExternalThreadID stores the provider thread id once. A conflicting id
// yields domain.ErrThreadAlreadySet and a missing session
// domain.ErrSessionNotFound.
func (c *Client) SetExternalThreadID(ctx context.Context, sessionID string, threadID int64) error {
	if threadID == 0 {
		return errors.New("repository: SetExternalThreadID: thread id is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              metaKey(sessionPK(sessionID)),
		UpdateExpression: aws.String("SET threadId = :tid"),
		ConditionExpression: aws.String(
			"attribute_exists(PK) AND (attribute_not_exists(threadId) OR threadId = :tid)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tid": numberAttr(threadID),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		if len(failed.Item) == 0 {
			return fmt.Errorf("repository: SetExternalThreadID %q: %w", sessionID, domain.ErrSessionNotFound)
		}
		return fmt.Errorf("repository: SetExternalThreadID %q: %w", sessionID, domain.ErrThreadAlreadySet)
	}
	return fmt.Errorf("repository: SetExternalThreadID: %w", err)
}

func (c *Client) GetExternalThreadID(ctx context.Context, sessionID string) (int64, bool, error) {
	meta, ok, err := c.getMeta(ctx, sessionID)
	if err != nil {
		return 0, false, fmt.Errorf("repository: GetExternalThreadID: %w", err)
	}
	if !ok || meta.Session.ExternalThreadID == 0 {
		return 0, false, nil
	}
	return meta.Session.ExternalThreadID, true, nil
}

// MapThreadToSession writes the reverse index record for a provider thread.
func (c *Client) MapThreadToSession(ctx context.Context, threadID int64, sessionID string) error {
	if threadID == 0 || sessionID == "" {
		return errors.New("repository: MapThreadToSession: thread id and session id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK":        &types.AttributeValueMemberS{Value: skMeta},
			"sessionId": &types.AttributeValueMemberS{Value: sessionID},
			"ttl":       numberAttr(c.ttlValue(c.now())),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: MapThreadToSession: %w", err)
	}
	return nil
}

func (c *Client) ResolveSessionByThreadID(ctx context.Context, threadID int64) (string, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            metaKey(threadPK(threadID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("repository: ResolveSessionByThreadID: %w", err)
	}
	if out == nil || len(out.Item) == 0 || c.expired(out.Item) {
		return "", false, nil
	}
	sessionID, err := strAttr(out.Item, "sessionId")
	if err != nil {
		return "", false, fmt.Errorf("repository: ResolveSessionByThreadID: %w", err)
	}
	return sessionID, true, nil
}

type sessionMeta struct {
	domain.Session
	lastTs     time.Time
	extendedAt time.Time
}

func (c *Client) getMeta(ctx context.Context, sessionID string) (sessionMeta, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            metaKey(sessionPK(sessionID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return sessionMeta{}, false, fmt.Errorf("get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 || c.expired(out.Item) {
		return sessionMeta{}, false, nil
	}
	meta, err := itemToMeta(out.Item)
	if err != nil {
		return sessionMeta{}, false, fmt.Errorf("decode meta: %w", err)
	}
	return meta, true, nil
}

// expired reports whether an item's ttl has passed. Items without a readable
// ttl never expire here.
func (c *Client) expired(item map[string]types.AttributeValue) bool {
	if _, ok := item["ttl"]; !ok {
		return false
	}
	ttl, err := int64Attr(item, "ttl")
	if err != nil {
		return false
	}
	return ttl <= c.now().Unix()
}

func metaKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func (c *Client) messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(msg.SessionID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(msg.Timestamp, msg.ID)},
		"sessionId": &types.AttributeValueMemberS{Value: msg.SessionID},
		"messageId": &types.AttributeValueMemberS{Value: msg.ID},
		"text":      &types.AttributeValueMemberS{Value: msg.Text},
		"isUser":    &types.AttributeValueMemberBOOL{Value: msg.IsUser},
		"ts":        numberAttr(msg.UnixMilli()),
		"ttl":       numberAttr(c.messageTTL(msg.Timestamp)),
	}
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Message{}, err
	}
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	ts, err := int64Attr(item, "ts")
	if err != nil {
		return domain.Message{}, err
	}
	isUser, _ := boolAttr(item, "isUser") // absent means operator

	return domain.Message{
		ID:        id,
		SessionID: sessionID,
		Text:      text,
		IsUser:    isUser,
		Timestamp: time.UnixMilli(ts).UTC(),
	}, nil
}

func itemToMeta(item map[string]types.AttributeValue) (sessionMeta, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return sessionMeta{}, err
	}
	contact, _ := strAttr(item, "contact") // allow empty
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return sessionMeta{}, err
	}
	lastActivity, err := timeAttr(item, "lastActivity")
	if err != nil {
		return sessionMeta{}, err
	}
	lastTsMs, err := int64Attr(item, "lastTs")
	if err != nil {
		return sessionMeta{}, err
	}
	var threadID int64
	if _, ok := item["threadId"]; ok {
		threadID, err = int64Attr(item, "threadId")
		if err != nil {
			return sessionMeta{}, err
		}
	}
	var extendedAt time.Time
	if _, ok := item["extendedAt"]; ok {
		sec, err := int64Attr(item, "extendedAt")
		if err != nil {
			return sessionMeta{}, err
		}
		extendedAt = time.Unix(sec, 0).UTC()
	}
	meta := sessionMeta{extendedAt: extendedAt, Session: domain.Session{
		ID:               sessionID,
		RecipientContact: contact,
		ExternalThreadID: threadID,
		CreatedAt:        createdAt,
		LastActivity:     lastActivity,
	}}
	if lastTsMs > 0 {
		meta.lastTs = time.UnixMilli(lastTsMs).UTC()
	}
	return meta, nil
}

func isConditionFailed(err error) bool {
	var failed *types.ConditionalCheckFailedException
	return errors.As(err, &failed)
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func unixMilliOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
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

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}

var newMessageID = func() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
