package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(srv.URL+"/", WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(" ")
	require.ErrorContains(t, err, "must not be empty")

	_, err = NewClient("not a url")
	require.ErrorContains(t, err, "invalid base URL")

	c, err := NewClient("https://trk.example.com/")
	require.NoError(t, err)
	require.Equal(t, "https://trk.example.com", c.baseURL)
}

func TestSubID_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/click", r.URL.Path)
		require.Equal(t, "ck-1", r.URL.Query().Get("click_id"))
		_, _ = w.Write([]byte(`{"subid":" 9f8e7d "}`))
	}))
	defer srv.Close()

	sub, err := newTestClient(t, srv).SubID(context.Background(), "ck-1")
	require.NoError(t, err)
	require.Equal(t, "9f8e7d", sub)
}

func TestSubID_NotAssignedYet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sub, err := newTestClient(t, srv).SubID(context.Background(), "ck-1")
	require.NoError(t, err)
	require.Empty(t, sub)
}

func TestSubID_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("click_id") {
		case "missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`unknown click`))
		default:
			_, _ = w.Write([]byte(`<html>`))
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.SubID(context.Background(), "missing")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.HTTPStatusCode())

	_, err = c.SubID(context.Background(), "garbled")
	require.ErrorContains(t, err, "decode click response")

	_, err = c.SubID(context.Background(), " ")
	require.ErrorContains(t, err, "required")
}

func TestPostback_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/postback", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "sub-1", q.Get("subid"))
		require.Equal(t, "sale", q.Get("status"))
		require.Equal(t, "12.5", q.Get("payout"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv).Postback(context.Background(), "sub-1", 12.5, "sale"))
}

func TestPostback_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	err := c.Postback(context.Background(), "sub-1", 0, "lead")
	require.ErrorContains(t, err, "502")

	err = c.Postback(context.Background(), "", 0, "lead")
	require.ErrorContains(t, err, "subid is required")
}

func TestPostback_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	require.Error(t, c.Postback(context.Background(), "sub-1", 0, "lead"))
}
