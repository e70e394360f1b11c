package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"broker-relay/internal/domain"
)

const (
	maxLeadFieldLength = 512
	leadKeyPrefix      = "lead:"
	leadStatus         = "lead"
)

// ConversionReporter notifies the click tracker about a conversion without
// blocking the caller.
type ConversionReporter interface {
	ReportConversion(ctx context.Context, rec domain.Attribution, payout float64, status string)
}

type LeadService struct {
	messenger   Messenger
	limiter     Limiter
	settings    *Settings
	conversions ConversionReporter
	logger      *slog.Logger
}

type LeadInput struct {
	FullName    string
	Phone       string
	Email       string
	Locale      string
	Product     string
	Comment     string
	ClientKey   string
	Attribution domain.Attribution
}

func NewLeadService(messenger Messenger, limiter Limiter, settings *Settings, conversions ConversionReporter, logger *slog.Logger) (*LeadService, error) {
	if messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if limiter == nil {
		return nil, errors.New("usecase: limiter must not be nil")
	}
	if settings == nil {
		return nil, errors.New("usecase: settings must not be nil")
	}
	if conversions == nil {
		return nil, errors.New("usecase: conversion reporter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeadService{
		messenger:   messenger,
		limiter:     limiter,
		settings:    settings,
		conversions: conversions,
		logger:      logger,
	}, nil
}

// Submit posts a lead to the operator group's general topic and reports the
// conversion to the click tracker.
func (s *LeadService) Submit(ctx context.Context, in LeadInput) error {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Phone = strings.TrimSpace(in.Phone)
	switch {
	case in.FullName == "":
		return newError(ErrorInvalidInput, "empty_name", nil)
	case in.Phone == "":
		return newError(ErrorInvalidInput, "empty_phone", nil)
	}
	for _, v := range []string{in.FullName, in.Phone, in.Email, in.Locale, in.Product, in.Comment} {
		if utf8.RuneCountInString(v) > maxLeadFieldLength {
			return newError(ErrorInvalidInput, "field_too_long", nil)
		}
	}

	allowed, err := s.limiter.Allow(ctx, leadKeyPrefix+in.ClientKey)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing request", "err", err)
	} else if !allowed {
		return newError(ErrorRateLimited, "rate_limited", nil)
	}

	groupID, err := s.settings.GroupID(ctx)
	if err != nil {
		return newError(ErrorInternal, "ssm_load_error", err)
	}
	if _, err := s.messenger.SendMessage(ctx, groupID, 0, leadMessage(in)); err != nil {
		s.logger.Error("lead forward failed", "err", err)
		return providerError("lead_forward_failed", err)
	}

	s.conversions.ReportConversion(ctx, in.Attribution, 0, leadStatus)
	return nil
}

func leadMessage(in LeadInput) string {
	var b strings.Builder
	b.WriteString("New lead\n")
	fmt.Fprintf(&b, "Name: %s\n", in.FullName)
	fmt.Fprintf(&b, "Phone: %s\n", in.Phone)
	for _, f := range []struct{ label, value string }{
		{"Email", in.Email},
		{"Locale", in.Locale},
		{"Product", in.Product},
		{"Comment", in.Comment},
	} {
		if v := strings.TrimSpace(f.value); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", f.label, v)
		}
	}

	a := in.Attribution
	var tags []string
	for _, f := range []struct{ key, value string }{
		{"subid", a.SubID},
		{"click_id", a.ClickID},
		{"campaign", a.Campaign},
		{"ad_source", a.AdSource},
		{"keyword", a.Keyword},
		{"utm_source", a.UTMSource},
		{"utm_medium", a.UTMMedium},
		{"utm_campaign", a.UTMCampaign},
		{"utm_term", a.UTMTerm},
		{"utm_content", a.UTMContent},
		{"landing_page", a.LandingPage},
		{"source_domain", a.SourceDomain},
	} {
		if f.value != "" {
			tags = append(tags, f.key+"="+f.value)
		}
	}
	if len(tags) > 0 {
		b.WriteString("Attribution: " + strings.Join(tags, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
