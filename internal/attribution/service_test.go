package attribution

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"broker-relay/internal/domain"
)

type memJar struct {
	value  string
	set    bool
	stores int
}

func (j *memJar) Load() (string, bool) { return j.value, j.set }

func (j *memJar) Store(v string) {
	j.value = v
	j.set = true
	j.stores++
}

type fakeTracker struct {
	mu        sync.Mutex
	subID     string
	subErr    error
	lookups   int
	postErr   error
	postbacks []postback
	block     chan struct{}
}

type postback struct {
	subID  string
	payout float64
	status string
}

func (f *fakeTracker) SubID(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.subID, f.subErr
}

func (f *fakeTracker) Postback(ctx context.Context, subID string, payout float64, status string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postbacks = append(f.postbacks, postback{subID, payout, status})
	return f.postErr
}

func TestFromParams_Aliases(t *testing.T) {
	params := url.Values{
		"sub_id":       {"s-1"},
		"clickid":      {"c-1"},
		"cmp":          {"spring"},
		"src":          {"google"},
		"kw":           {"travel insurance"},
		"utm_source":   {"google"},
		"utm_medium":   {"cpc"},
		"utm_campaign": {"spring-2026"},
		"utm_term":     {"visa"},
		"utm_content":  {"banner-a"},
	}
	rec := FromParams(params, Page{Path: "/en/travel", Referrer: "https://WWW.Google.com/search?q=x"})
	require.Equal(t, domain.Attribution{
		SubID:        "s-1",
		ClickID:      "c-1",
		Campaign:     "spring",
		AdSource:     "google",
		Keyword:      "travel insurance",
		UTMSource:    "google",
		UTMMedium:    "cpc",
		UTMCampaign:  "spring-2026",
		UTMTerm:      "visa",
		UTMContent:   "banner-a",
		LandingPage:  "/en/travel",
		Referrer:     "https://WWW.Google.com/search?q=x",
		SourceDomain: "www.google.com",
	}, rec)
}

func TestFromParams_FirstAliasWins(t *testing.T) {
	rec := FromParams(url.Values{
		"campaign":    {" "},
		"campaign_id": {"42"},
		"cmp":         {"ignored"},
		"source":      {"fb"},
		"ad_source":   {"ignored"},
	}, Page{})
	require.Equal(t, "42", rec.Campaign)
	require.Equal(t, "fb", rec.AdSource)
	require.Empty(t, rec.SourceDomain)
}

func TestFromParams_ClipsLongValues(t *testing.T) {
	rec := FromParams(url.Values{"kw": {strings.Repeat("ж", 200)}}, Page{})
	require.LessOrEqual(t, len(rec.Keyword), maxFieldLength)
	require.True(t, strings.HasPrefix(strings.Repeat("ж", 200), rec.Keyword))
}

func TestCapture_FirstCallPersists(t *testing.T) {
	svc := NewService()
	jar := &memJar{}

	rec := svc.Capture(context.Background(), jar, url.Values{"click_id": {"c-1"}}, Page{Path: "/"})
	require.Equal(t, "c-1", rec.ClickID)
	require.Equal(t, 1, jar.stores)

	got, ok := Decode(jar.value)
	require.True(t, ok)
	require.Equal(t, rec, got)
}

func TestCapture_NeverOverwrittenByLaterCapture(t *testing.T) {
	svc := NewService()
	jar := &memJar{}

	first := svc.Capture(context.Background(), jar, url.Values{"click_id": {"c-1"}, "utm_source": {"google"}}, Page{Path: "/en"})
	second := svc.Capture(context.Background(), jar, url.Values{"click_id": {"c-2"}}, Page{Path: "/de"})

	require.Equal(t, first, second)
	require.Equal(t, first, svc.Get(jar))
	require.Equal(t, 1, jar.stores)
}

func TestCapture_EmptyFirstCaptureIsStillKept(t *testing.T) {
	svc := NewService()
	jar := &memJar{}

	svc.Capture(context.Background(), jar, url.Values{}, Page{Path: "/"})
	rec := svc.Capture(context.Background(), jar, url.Values{"utm_source": {"late"}}, Page{Path: "/x"})
	require.Empty(t, rec.UTMSource)
	require.Equal(t, "/", rec.LandingPage)
}

func TestCapture_LateFillsSubID(t *testing.T) {
	tr := &fakeTracker{subErr: errors.New("tracker not ready")}
	svc := NewService(WithTracker(tr))
	jar := &memJar{}

	rec := svc.Capture(context.Background(), jar, url.Values{"click_id": {"c-1"}, "kw": {"visa"}}, Page{})
	require.Empty(t, rec.SubID)

	tr.subErr = nil
	tr.subID = "s-9"
	rec = svc.Capture(context.Background(), jar, url.Values{"kw": {"other"}}, Page{})
	require.Equal(t, "s-9", rec.SubID)
	require.Equal(t, "visa", rec.Keyword)
	require.Equal(t, "s-9", svc.Get(jar).SubID)

	// Once filled it is not looked up again.
	svc.Capture(context.Background(), jar, nil, Page{})
	require.Equal(t, 2, tr.lookups)
}

func TestCapture_LateFillOnFirstCapture(t *testing.T) {
	tr := &fakeTracker{subID: "s-1"}
	svc := NewService(WithTracker(tr))
	jar := &memJar{}

	rec := svc.Capture(context.Background(), jar, url.Values{"click_id": {"c-1"}}, Page{})
	require.Equal(t, "s-1", rec.SubID)
	require.Equal(t, 1, jar.stores)
}

func TestCapture_NoLookupWithoutClickID(t *testing.T) {
	tr := &fakeTracker{subID: "s-1"}
	svc := NewService(WithTracker(tr))

	rec := svc.Capture(context.Background(), &memJar{}, url.Values{"utm_source": {"x"}}, Page{})
	require.Empty(t, rec.SubID)
	require.Zero(t, tr.lookups)
}

func TestGet_EmptyWhenNothingCaptured(t *testing.T) {
	svc := NewService()
	require.True(t, svc.Get(&memJar{}).IsZero())
	require.True(t, svc.Get(nil).IsZero())
	require.True(t, svc.Get(&memJar{value: "%%%", set: true}).IsZero())
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, ok := Decode("")
	require.False(t, ok)
	_, ok = Decode("bm90LWpzb24") // "not-json"
	require.False(t, ok)
}

func TestReportConversion_Async(t *testing.T) {
	tr := &fakeTracker{block: make(chan struct{})}
	svc := NewService(WithTracker(tr))

	svc.ReportConversion(context.Background(), domain.Attribution{SubID: "s-1", ClickID: "c-1"}, 25, "sale")
	tr.mu.Lock()
	require.Empty(t, tr.postbacks)
	tr.mu.Unlock()

	close(tr.block)
	svc.Wait()
	require.Equal(t, []postback{{"s-1", 25, "sale"}}, tr.postbacks)
}

func TestReportConversion_FallsBackToClickID(t *testing.T) {
	tr := &fakeTracker{}
	svc := NewService(WithTracker(tr))

	svc.ReportConversion(context.Background(), domain.Attribution{ClickID: "c-1"}, 0, "lead")
	svc.Wait()
	require.Equal(t, []postback{{"c-1", 0, "lead"}}, tr.postbacks)
}

func TestReportConversion_SwallowsFailures(t *testing.T) {
	tr := &fakeTracker{postErr: errors.New("tracker down")}
	svc := NewService(WithTracker(tr))

	svc.ReportConversion(context.Background(), domain.Attribution{SubID: "s-1"}, 0, "lead")
	svc.Wait()
	require.Len(t, tr.postbacks, 1)
}

func TestReportConversion_SurvivesCallerCancel(t *testing.T) {
	tr := &fakeTracker{block: make(chan struct{})}
	svc := NewService(WithTracker(tr), WithTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	svc.ReportConversion(ctx, domain.Attribution{SubID: "s-1"}, 0, "lead")
	cancel()
	close(tr.block)
	svc.Wait()
	require.Len(t, tr.postbacks, 1)
}

func TestReportConversion_SkippedWithoutIdentifiers(t *testing.T) {
	tr := &fakeTracker{}
	svc := NewService(WithTracker(tr))

	svc.ReportConversion(context.Background(), domain.Attribution{UTMSource: "x"}, 0, "lead")
	svc.Wait()
	require.Empty(t, tr.postbacks)

	NewService().ReportConversion(context.Background(), domain.Attribution{SubID: "s"}, 0, "lead")
}
