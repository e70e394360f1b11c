package domain

// Attribution holds the marketing click identifiers captured for one browsing
// session. Absent values are empty strings.
type Attribution struct {
	SubID        string `json:"subid"`
	ClickID      string `json:"click_id"`
	Campaign     string `json:"campaign"`
	AdSource     string `json:"ad_source"`
	Keyword      string `json:"keyword"`
	UTMSource    string `json:"utm_source"`
	UTMMedium    string `json:"utm_medium"`
	UTMCampaign  string `json:"utm_campaign"`
	UTMTerm      string `json:"utm_term"`
	UTMContent   string `json:"utm_content"`
	LandingPage  string `json:"landing_page"`
	Referrer     string `json:"referrer"`
	SourceDomain string `json:"source_domain"`
}

// IsZero reports whether nothing has been captured.
func (a Attribution) IsZero() bool {
	return a == Attribution{}
}
