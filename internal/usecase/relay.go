package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"broker-relay/internal/domain"
)

const (
	defaultMaxMessageLength = 4096
	maxSessionIDLength      = 128
	maxThreadTitleLength    = 128
	sessionIDPreviewLength  = 8
	defaultVisitorName      = "Visitor"

	// threadOpenTimeout bounds a shared thread creation, which outlives the
	// request that started it.
	threadOpenTimeout = 30 * time.Second
)

// SessionStore is the chat session registry. Both the in-memory registry and
// the DynamoDB repository satisfy it.
type SessionStore interface {
	CreateSession(ctx context.Context, sessionID, contact string) (domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (domain.Session, bool, error)
	AddMessage(ctx context.Context, sessionID, text string, isUser bool) (domain.Message, bool, error)
	GetMessagesAfter(ctx context.Context, sessionID string, after time.Time) ([]domain.Message, error)
	SetExternalThreadID(ctx context.Context, sessionID string, threadID int64) error
	GetExternalThreadID(ctx context.Context, sessionID string) (int64, bool, error)
	MapThreadToSession(ctx context.Context, threadID int64, sessionID string) error
	ResolveSessionByThreadID(ctx context.Context, threadID int64) (string, bool, error)
}

// Messenger is the thread-capable group chat used to reach operators.
type Messenger interface {
	CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error)
	SendMessage(ctx context.Context, chatID, threadID int64, text string) (int64, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type RelayService struct {
	store         SessionStore
	messenger     Messenger
	limiter       Limiter
	settings      *Settings
	maxMessageLen int
	logger        *slog.Logger

	threads singleflight.Group
}

type SubmitInput struct {
	SessionID string
	Message   string
	FullName  string
	Phone     string
	Email     string
	Locale    string
	ClientKey string
}

type SubmitOutput struct {
	SessionID string
}

type FetchInput struct {
	SessionID string
	// After is a unix millisecond cursor; zero or negative means from the start.
	After int64
}

type MessageView struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type FetchOutput struct {
	Messages []MessageView
}

func NewRelayService(store SessionStore, messenger Messenger, limiter Limiter, settings *Settings, maxMessageLen int, logger *slog.Logger) (*RelayService, error) {
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if limiter == nil {
		return nil, errors.New("usecase: limiter must not be nil")
	}
	if settings == nil {
		return nil, errors.New("usecase: settings must not be nil")
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayService{
		store:         store,
		messenger:     messenger,
		limiter:       limiter,
		settings:      settings,
		maxMessageLen: maxMessageLen,
		logger:        logger,
	}, nil
}

// SubmitMessage records a visitor message and forwards it to the session's
// operator thread, opening the thread on the first message. The message stays
// recorded even when forwarding fails.
func (s *RelayService) SubmitMessage(ctx context.Context, in SubmitInput) (SubmitOutput, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	text := in.Message
	switch {
	case sessionID == "":
		return SubmitOutput{}, newError(ErrorInvalidInput, "empty_session_id", nil)
	case len(sessionID) > maxSessionIDLength:
		return SubmitOutput{}, newError(ErrorInvalidInput, "session_id_too_long", nil)
	case strings.TrimSpace(text) == "":
		return SubmitOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	case utf8.RuneCountInString(text) > s.maxMessageLen:
		return SubmitOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	if !s.allow(ctx, in.ClientKey) {
		return SubmitOutput{}, newError(ErrorRateLimited, "rate_limited", nil)
	}

	groupID, err := s.settings.GroupID(ctx)
	if err != nil {
		return SubmitOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	if err := s.ensureSession(ctx, sessionID, in.FullName); err != nil {
		return SubmitOutput{}, newError(ErrorInternal, "store_error", err)
	}
	if _, ok, err := s.store.AddMessage(ctx, sessionID, text, true); err != nil {
		return SubmitOutput{}, newError(ErrorInternal, "store_error", err)
	} else if !ok {
		return SubmitOutput{}, newError(ErrorInternal, "session_vanished", nil)
	}

	threadID, err := s.ensureThread(ctx, groupID, sessionID, in)
	if err != nil {
		return SubmitOutput{}, err
	}

	if _, err := s.messenger.SendMessage(ctx, groupID, threadID, text); err != nil {
		s.logger.Warn("forward to operator thread failed", "err", err, "session_id", sessionID, "thread_id", threadID)
		return SubmitOutput{}, providerError("forward_failed", err)
	}
	return SubmitOutput{SessionID: sessionID}, nil
}

// AuthorizeCallback checks the shared secret presented by the provider. With
// no secret configured every callback is accepted.
func (s *RelayService) AuthorizeCallback(ctx context.Context, presented string) error {
	secret, err := s.settings.WebhookSecret(ctx)
	if err != nil {
		return newError(ErrorInternal, "ssm_load_error", err)
	}
	if secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) != 1 {
		return newError(ErrorUnauthorized, "webhook_secret_mismatch", nil)
	}
	return nil
}

// IngestCallback appends an operator reply to the session owning its thread.
// Events that do not qualify are discarded without error so that the
// provider always receives an acknowledgement.
func (s *RelayService) IngestCallback(ctx context.Context, ev domain.OperatorEvent) {
	groupID, err := s.settings.GroupID(ctx)
	if err != nil {
		s.logger.Error("callback dropped: settings unavailable", "err", err)
		return
	}
	text := ev.Text
	switch {
	case ev.GroupID != groupID:
		s.logger.Debug("callback ignored: foreign chat", "chat_id", ev.GroupID)
		return
	case ev.FromBot:
		s.logger.Debug("callback ignored: automated author", "thread_id", ev.ThreadID)
		return
	case strings.TrimSpace(text) == "":
		s.logger.Debug("callback ignored: no text", "thread_id", ev.ThreadID)
		return
	case ev.ThreadID == 0:
		s.logger.Debug("callback ignored: not in a thread")
		return
	}

	sessionID, ok, err := s.store.ResolveSessionByThreadID(ctx, ev.ThreadID)
	if err != nil {
		s.logger.Error("callback dropped: resolve thread failed", "err", err, "thread_id", ev.ThreadID)
		return
	}
	if !ok {
		s.logger.Info("callback ignored: no session for thread", "thread_id", ev.ThreadID)
		return
	}
	if _, ok, err := s.store.AddMessage(ctx, sessionID, text, false); err != nil {
		s.logger.Error("callback dropped: append failed", "err", err, "session_id", sessionID)
	} else if !ok {
		s.logger.Info("callback ignored: session expired", "session_id", sessionID, "thread_id", ev.ThreadID)
	}
}

// FetchMessages returns the operator replies after the cursor. Unknown
// sessions yield an empty list.
func (s *RelayService) FetchMessages(ctx context.Context, in FetchInput) (FetchOutput, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return FetchOutput{}, newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	var after time.Time
	if in.After > 0 {
		after = time.UnixMilli(in.After).UTC()
	}
	msgs, err := s.store.GetMessagesAfter(ctx, sessionID, after)
	if err != nil {
		return FetchOutput{}, newError(ErrorInternal, "store_error", err)
	}
	out := FetchOutput{Messages: make([]MessageView, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, MessageView{ID: m.ID, Text: m.Text, Timestamp: m.UnixMilli()})
	}
	return out, nil
}

func (s *RelayService) allow(ctx context.Context, clientKey string) bool {
	ok, err := s.limiter.Allow(ctx, clientKey)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing request", "err", err)
		return true
	}
	return ok
}

func (s *RelayService) ensureSession(ctx context.Context, sessionID, fullName string) error {
	if _, ok, err := s.store.GetSession(ctx, sessionID); err != nil {
		return err
	} else if ok {
		return nil
	}
	_, err := s.store.CreateSession(ctx, sessionID, strings.TrimSpace(fullName))
	if errors.Is(err, domain.ErrSessionExists) {
		return nil
	}
	return err
}

// ensureThread returns the session's thread, creating it on first use.
// Concurrent first messages of one session share a single creation, which
// runs detached from the request that started it so that a cancelled caller
// does not fail the others.
func (s *RelayService) ensureThread(ctx context.Context, groupID int64, sessionID string, in SubmitInput) (int64, error) {
	if id, ok, err := s.store.GetExternalThreadID(ctx, sessionID); err != nil {
		return 0, newError(ErrorInternal, "store_error", err)
	} else if ok {
		return id, nil
	}

	v, err, _ := s.threads.Do(sessionID, func() (any, error) {
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), threadOpenTimeout)
		defer cancel()
		return s.openThread(openCtx, groupID, sessionID, in)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *RelayService) openThread(ctx context.Context, groupID int64, sessionID string, in SubmitInput) (int64, error) {
	// Another instance may have opened it since the caller looked.
	if id, ok, err := s.store.GetExternalThreadID(ctx, sessionID); err != nil {
		return 0, newError(ErrorInternal, "store_error", err)
	} else if ok {
		return id, nil
	}

	threadID, err := s.messenger.CreateForumTopic(ctx, groupID, threadTitle(in.FullName, in.Locale))
	if err != nil {
		s.logger.Error("thread creation failed", "err", err, "session_id", sessionID)
		return 0, providerError("thread_create_failed", err)
	}

	// Reverse entry before forward id: a stored forward id is never revisited.
	// A thread that loses the race below keeps its entry to this session.
	if err := s.store.MapThreadToSession(ctx, threadID, sessionID); err != nil {
		return 0, newError(ErrorInternal, "store_error", err)
	}
	if err := s.store.SetExternalThreadID(ctx, sessionID, threadID); err != nil {
		if !errors.Is(err, domain.ErrThreadAlreadySet) {
			return 0, newError(ErrorInternal, "store_error", err)
		}
		winner, ok, getErr := s.store.GetExternalThreadID(ctx, sessionID)
		if getErr != nil || !ok {
			return 0, newError(ErrorInternal, "store_error", errors.Join(err, getErr))
		}
		s.logger.Warn("thread created concurrently, adopting existing", "session_id", sessionID, "thread_id", winner, "orphan_thread_id", threadID)
		return winner, nil
	}
	s.logger.Info("operator thread opened", "session_id", sessionID, "thread_id", threadID)

	if _, err := s.messenger.SendMessage(ctx, groupID, threadID, contextMessage(sessionID, in)); err != nil {
		s.logger.Warn("visitor context message failed", "err", err, "session_id", sessionID, "thread_id", threadID)
	}
	return threadID, nil
}

func threadTitle(fullName, locale string) string {
	name := strings.TrimSpace(fullName)
	if name == "" {
		name = defaultVisitorName
	}
	title := name
	if loc := strings.TrimSpace(locale); loc != "" {
		title = fmt.Sprintf("%s [%s]", name, strings.ToUpper(loc))
	}
	return clipRunes(title, maxThreadTitleLength)
}

func contextMessage(sessionID string, in SubmitInput) string {
	var b strings.Builder
	b.WriteString("New website chat\n")
	fmt.Fprintf(&b, "Name: %s\n", orDash(in.FullName))
	fmt.Fprintf(&b, "Phone: %s\n", orDash(in.Phone))
	fmt.Fprintf(&b, "Email: %s\n", orDash(in.Email))
	fmt.Fprintf(&b, "Locale: %s\n", orDash(in.Locale))
	fmt.Fprintf(&b, "Session: %s", previewID(sessionID))
	return b.String()
}

func previewID(id string) string {
	if utf8.RuneCountInString(id) <= sessionIDPreviewLength {
		return id
	}
	return clipRunes(id, sessionIDPreviewLength) + "…"
}

func orDash(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "-"
	}
	return v
}

func clipRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
