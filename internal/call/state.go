// Package call contains the call-session core: the global call-signal
// listener, the negotiation engine, and the session state machine they both
// read and drive. The state machine is the single authority on what a
// session may legally do; every signal handler checks it before acting, so
// a stray event after teardown is an ignored no-op rather than a crash.
package call

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// State is the lifecycle position of one call session.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateConnecting
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Quality is the coarse, advisory connection-quality signal derived from
// the ICE connection state. It drives nothing but UI.
type Quality int

const (
	QualityGood Quality = iota
	QualityFair
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	default:
		return "poor"
	}
}

// QualityFromICEState maps the underlying transport connectivity state to
// the advisory quality signal.
func QualityFromICEState(s webrtc.ICEConnectionState) Quality {
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return QualityGood
	case webrtc.ICEConnectionStateDisconnected:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Session is the value-type snapshot of one call. Transitions are pure
// functions: each takes the current Session and returns the next one plus
// an ok verdict. An event arriving in a non-matching state returns
// ok=false and the unchanged Session — the caller performs side effects
// only on ok=true, which is what makes re-entrant signal delivery safe.
type Session struct {
	State    State
	PeerID   string
	PeerName string

	// Pending holds network-path candidates that arrived before the remote
	// description was installed. They must be flushed in arrival order the
	// moment it is.
	Pending         []webrtc.ICECandidateInit
	RemoteInstalled bool

	RemoteAttached bool
	Quality        Quality
	ConnectedAt    time.Time
}

// live reports whether signals may still act on this session.
func (s Session) live() bool {
	return s.State == StateCalling || s.State == StateConnecting || s.State == StateConnected
}

// Dial starts the caller path: idle → calling.
func (s Session) Dial(peerID, peerName string) (Session, bool) {
	if s.State != StateIdle {
		return s, false
	}
	s.State = StateCalling
	s.PeerID = peerID
	s.PeerName = peerName
	s.Quality = QualityGood
	return s, true
}

// Accept starts the callee path: idle → connecting.
func (s Session) Accept(peerID, peerName string) (Session, bool) {
	if s.State != StateIdle {
		return s, false
	}
	s.State = StateConnecting
	s.PeerID = peerID
	s.PeerName = peerName
	s.Quality = QualityGood
	return s, true
}

// RemoteDescribed records that the remote description is now installed and
// hands back the queued candidates for application, in arrival order. The
// queue is drained exactly once.
func (s Session) RemoteDescribed() (Session, []webrtc.ICECandidateInit, bool) {
	if !s.live() {
		return s, nil, false
	}
	flush := s.Pending
	s.Pending = nil
	s.RemoteInstalled = true
	return s, flush, true
}

// CandidateReceived decides what to do with one inbound candidate:
// applyNow=true means the remote description is installed and the caller
// should apply it immediately; otherwise it has been queued. ok=false means
// the session is not live and the candidate is stale — drop it.
func (s Session) CandidateReceived(c webrtc.ICECandidateInit) (next Session, applyNow, ok bool) {
	if !s.live() {
		return s, false, false
	}
	if s.RemoteInstalled {
		return s, true, true
	}
	s.Pending = append(s.Pending, c)
	return s, false, true
}

// Connected completes the handshake: calling or connecting → connected.
// The duration clock starts at now.
func (s Session) Connected(now time.Time) (Session, bool) {
	if s.State != StateCalling && s.State != StateConnecting {
		return s, false
	}
	s.State = StateConnected
	s.ConnectedAt = now
	return s, true
}

// AttachRemote records the first remote media arrival.
func (s Session) AttachRemote() (Session, bool) {
	if !s.live() || s.RemoteAttached {
		return s, false
	}
	s.RemoteAttached = true
	return s, true
}

// End moves any state to the terminal ended state, clearing the candidate
// queue. Ending an already-ended session reports ok=false so teardown side
// effects run at most once; ending an idle session is likewise a no-op.
func (s Session) End() (Session, bool) {
	if !s.live() {
		return s, false
	}
	s.State = StateEnded
	s.Pending = nil
	return s, true
}
