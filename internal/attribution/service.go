// Package attribution keeps the marketing click record of a browsing session
// and reports conversions back to the click tracker.
package attribution

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"broker-relay/internal/domain"
)

const (
	// CookieName is the session cookie holding the encoded record.
	CookieName = "attr"

	defaultTrackerTimeout = 5 * time.Second
	maxFieldLength        = 150
)

// Jar stores the encoded record for the lifetime of the browser session.
type Jar interface {
	Load() (string, bool)
	Store(value string)
}

// Tracker is the click tracker used for subid late-fill and conversion
// postbacks.
type Tracker interface {
	SubID(ctx context.Context, clickID string) (string, error)
	Postback(ctx context.Context, subID string, payout float64, status string) error
}

// Page describes where the visitor landed.
type Page struct {
	Path     string
	Referrer string
}

var aliases = []struct {
	names []string
	set   func(*domain.Attribution, string)
}{
	{[]string{"subid", "sub_id"}, func(a *domain.Attribution, v string) { a.SubID = v }},
	{[]string{"click_id", "clickid"}, func(a *domain.Attribution, v string) { a.ClickID = v }},
	{[]string{"campaign", "campaign_id", "cmp"}, func(a *domain.Attribution, v string) { a.Campaign = v }},
	{[]string{"source", "src", "ad_source"}, func(a *domain.Attribution, v string) { a.AdSource = v }},
	{[]string{"keyword", "kw"}, func(a *domain.Attribution, v string) { a.Keyword = v }},
	{[]string{"utm_source"}, func(a *domain.Attribution, v string) { a.UTMSource = v }},
	{[]string{"utm_medium"}, func(a *domain.Attribution, v string) { a.UTMMedium = v }},
	{[]string{"utm_campaign"}, func(a *domain.Attribution, v string) { a.UTMCampaign = v }},
	{[]string{"utm_term"}, func(a *domain.Attribution, v string) { a.UTMTerm = v }},
	{[]string{"utm_content"}, func(a *domain.Attribution, v string) { a.UTMContent = v }},
}

type Service struct {
	tracker Tracker
	timeout time.Duration
	logger  *slog.Logger

	wg sync.WaitGroup
}

type Option func(*Service)

// WithTracker enables subid late-fill and conversion postbacks.
func WithTracker(t Tracker) Option {
	return func(s *Service) {
		s.tracker = t
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(opts ...Option) *Service {
	s := &Service{
		timeout: defaultTrackerTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture records the click parameters of the first page of a browsing
// session. Later calls keep the stored record and may only fill a missing
// subid.
func (s *Service) Capture(ctx context.Context, jar Jar, params url.Values, page Page) domain.Attribution {
	if jar == nil {
		return FromParams(params, page)
	}
	if rec, ok := load(jar); ok {
		if sub, filled := s.lateFill(ctx, rec); filled {
			rec.SubID = sub
			jar.Store(Encode(rec))
		}
		return rec
	}

	rec := FromParams(params, page)
	if sub, filled := s.lateFill(ctx, rec); filled {
		rec.SubID = sub
	}
	jar.Store(Encode(rec))
	return rec
}

// Get returns the stored record, or an empty one when nothing was captured.
func (s *Service) Get(jar Jar) domain.Attribution {
	rec, _ := load(jar)
	return rec
}

// ReportConversion notifies the tracker in the background. Failures are
// logged and never reach the caller.
func (s *Service) ReportConversion(ctx context.Context, rec domain.Attribution, payout float64, status string) {
	if s.tracker == nil {
		return
	}
	key := rec.SubID
	if key == "" {
		key = rec.ClickID
	}
	if key == "" {
		s.logger.Debug("conversion not reported: no click identifiers", "status", status)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.tracker.Postback(ctx, key, payout, status); err != nil {
			s.logger.Warn("conversion postback failed", "err", err, "status", status)
		}
	}()
}

// Wait blocks until pending conversion reports finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// lateFill asks the tracker for a subid when the record has a click id but no
// subid yet. Tracker failures are an expected outcome and only logged.
func (s *Service) lateFill(ctx context.Context, rec domain.Attribution) (string, bool) {
	if s.tracker == nil || rec.SubID != "" || rec.ClickID == "" {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sub, err := s.tracker.SubID(ctx, rec.ClickID)
	if err != nil {
		s.logger.Debug("subid late-fill unavailable", "err", err)
		return "", false
	}
	sub = clip(sub)
	return sub, sub != ""
}

// FromParams builds a record from URL parameters and the landing page.
func FromParams(params url.Values, page Page) domain.Attribution {
	var rec domain.Attribution
	for _, a := range aliases {
		for _, name := range a.names {
			if v := clip(params.Get(name)); v != "" {
				a.set(&rec, v)
				break
			}
		}
	}
	rec.LandingPage = clip(page.Path)
	rec.Referrer = clip(page.Referrer)
	rec.SourceDomain = sourceDomain(page.Referrer)
	return rec
}

func sourceDomain(referrer string) string {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return ""
	}
	u, err := url.Parse(referrer)
	if err != nil {
		return ""
	}
	return clip(strings.ToLower(u.Hostname()))
}

func clip(v string) string {
	v = strings.TrimSpace(v)
	if len(v) <= maxFieldLength {
		return v
	}
	// Back off to a character boundary.
	cut := maxFieldLength
	for cut > 0 && !isRuneStart(v[cut]) {
		cut--
	}
	return v[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Encode serializes a record for the cookie jar.
func Encode(rec domain.Attribution) string {
	raw, _ := json.Marshal(rec)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a value produced by Encode.
func Decode(value string) (domain.Attribution, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil || len(raw) == 0 {
		return domain.Attribution{}, false
	}
	var rec domain.Attribution
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Attribution{}, false
	}
	return rec, true
}

func load(jar Jar) (domain.Attribution, bool) {
	if jar == nil {
		return domain.Attribution{}, false
	}
	v, ok := jar.Load()
	if !ok {
		return domain.Attribution{}, false
	}
	return Decode(v)
}
