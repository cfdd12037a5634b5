package origin

import (
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/termlab/termgate/internal/ptybridge"
)

// SessionState is the lifecycle state of a terminal session.
type SessionState string

const (
	// SessionActive means the container is running and the transport is
	// connected.
	SessionActive SessionState = "active"
	// SessionTerminating means cleanup is in progress.
	SessionTerminating SessionState = "terminating"
	// SessionTerminated is terminal; re-entry is a no-op.
	SessionTerminated SessionState = "terminated"
)

// Reason tags why a session is being terminated.
type Reason string

const (
	ReasonClose    Reason = "close"
	ReasonError    Reason = "error"
	ReasonExit     Reason = "exit"
	ReasonTimeout  Reason = "timeout"
	ReasonShutdown Reason = "shutdown"
)

// closeCode maps a termination reason to a reason-specific WebSocket close
// code, so clients can tell an expired session from a server restart.
func closeCode(reason Reason) websocket.StatusCode {
	switch reason {
	case ReasonExit:
		return 4000
	case ReasonTimeout:
		return 4001
	case ReasonError:
		return 4002
	case ReasonShutdown:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusNormalClosure
	}
}

// Session binds one forwarded connection, one container and one PTY bridge.
// Identity fields are immutable after creation; only state transitions.
type Session struct {
	ID            string
	UserID        string
	ContainerName string
	CreatedAt     time.Time

	conn   *websocket.Conn
	bridge *ptybridge.Bridge
	timer  *time.Timer

	mu    sync.Mutex
	state SessionState
}

// beginTerminate attempts the Active -> Terminating transition. Only the
// first caller wins; everyone else sees false and must not touch cleanup.
func (s *Session) beginTerminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive {
		return false
	}
	s.state = SessionTerminating
	return true
}

func (s *Session) finishTerminate() {
	s.mu.Lock()
	s.state = SessionTerminated
	s.mu.Unlock()
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
