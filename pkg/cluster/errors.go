package cluster

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers unwrapped with a stable kind tag:
// they never leak implementation exception chains.
var (
	ErrNotJoined = errors.New("cluster: node is not joined")
	ErrFailed    = errors.New("cluster: node is in FAILED state, discard this facade")
)

// SessionInvalidated is detected when the current session id, used in a
// write, is rejected by the store. It requires re-join; the façade
// transitions to FAILED on receiving it.
type SessionInvalidated struct {
	SessionID string
}

func (e *SessionInvalidated) Error() string {
	return fmt.Sprintf("cluster: session %s was invalidated", e.SessionID)
}
