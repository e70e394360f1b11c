package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
	GetOptional(ctx context.Context, name string) (string, bool, error)
}

// Settings holds the operator group configuration kept in the parameter
// store. It is loaded on first use and cached for the process lifetime; a
// failed load is retried on the next call.
type Settings struct {
	params      ParamGetter
	paramPrefix string

	cacheMu       sync.RWMutex
	cacheLoaded   bool
	groupID       int64
	webhookSecret string
}

func NewSettings(p ParamGetter, paramPrefix string) (*Settings, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &Settings{params: p, paramPrefix: paramPrefix}, nil
}

// GroupID returns the chat id of the operator group.
func (s *Settings) GroupID(ctx context.Context) (int64, error) {
	if err := s.ensureConfig(ctx); err != nil {
		return 0, err
	}
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.groupID, nil
}

// WebhookSecret returns the shared callback secret, or "" when validation is
// disabled.
func (s *Settings) WebhookSecret(ctx context.Context) (string, error) {
	if err := s.ensureConfig(ctx); err != nil {
		return "", err
	}
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.webhookSecret, nil
}

func (s *Settings) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	groupID, secret, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}
	s.groupID = groupID
	s.webhookSecret = secret
	s.cacheLoaded = true
	return nil
}

func (s *Settings) loadSSMParams(ctx context.Context) (groupID int64, secret string, err error) {
	raw, err := s.params.GetParameter(ctx, s.paramPrefix+"/telegram/group_id")
	if err != nil {
		return 0, "", fmt.Errorf("usecase: load group id: %w", err)
	}
	groupID, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || groupID == 0 {
		return 0, "", fmt.Errorf("usecase: invalid group id %q", raw)
	}

	secret, _, err = s.params.GetOptional(ctx, s.paramPrefix+"/telegram/webhook_secret")
	if err != nil {
		return 0, "", fmt.Errorf("usecase: load webhook secret: %w", err)
	}
	return groupID, strings.TrimSpace(secret), nil
}
