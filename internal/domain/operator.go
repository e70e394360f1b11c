package domain

// OperatorEvent is a provider callback reduced to the fields the outbound
// relay checks. ThreadID is zero when the message was posted outside a thread.
type OperatorEvent struct {
	GroupID  int64
	ThreadID int64
	FromBot  bool
	Text     string
}
