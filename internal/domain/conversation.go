package domain

import "time"

// UnknownContact labels a session whose visitor did not give a name.
const UnknownContact = "Unknown"

// Session is one visitor conversation relayed to the operator group.
type Session struct {
	ID               string
	RecipientContact string
	// ExternalThreadID is zero until a provider thread has been created.
	ExternalThreadID int64
	Messages         []Message
	CreatedAt        time.Time
	LastActivity     time.Time
}

// HasThread reports whether the session is already correlated with a provider thread.
func (s Session) HasThread() bool {
	return s.ExternalThreadID != 0
}

// Message is a single chat line. IsUser is true when the visitor wrote it and
// false when an operator replied.
type Message struct {
	ID        string
	SessionID string
	Text      string
	IsUser    bool
	Timestamp time.Time
}

// UnixMilli returns the message timestamp in the millisecond form used as the
// polling cursor.
func (m Message) UnixMilli() int64 {
	return m.Timestamp.UnixMilli()
}

// NextMessageTimestamp returns the timestamp for a message appended at now
// after a message stamped last. Results have millisecond resolution and are
// strictly greater than last, so a poll cursor equal to a returned timestamp
// never hides a later message.
func NextMessageTimestamp(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(time.Millisecond)
	if !last.IsZero() && !ts.After(last) {
		ts = last.Add(time.Millisecond)
	}
	return ts
}
