package handler

import (
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"broker-relay/internal/attribution"
)

// cookieJar backs the attribution record with a browser-session cookie: no
// Expires or Max-Age, so the browser drops it when the session ends.
type cookieJar struct {
	value  string
	found  bool
	stored *http.Cookie
	secure bool
}

func newCookieJar(req events.APIGatewayProxyRequest, secure bool) *cookieJar {
	var lines []string
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Cookie") {
			lines = append(lines, v)
		}
	}
	for k, vs := range req.MultiValueHeaders {
		if strings.EqualFold(k, "Cookie") {
			lines = append(lines, vs...)
		}
	}

	j := &cookieJar{secure: secure}
	r := &http.Request{Header: http.Header{"Cookie": lines}}
	if c, err := r.Cookie(attribution.CookieName); err == nil && c.Value != "" {
		j.value, j.found = c.Value, true
	}
	return j
}

func (j *cookieJar) Load() (string, bool) {
	return j.value, j.found
}

func (j *cookieJar) Store(value string) {
	j.value, j.found = value, true
	j.stored = &http.Cookie{
		Name:     attribution.CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// apply adds the Set-Cookie header when the record changed.
func (j *cookieJar) apply(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if j.stored == nil {
		return resp
	}
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers["Set-Cookie"] = j.stored.String()
	return resp
}
