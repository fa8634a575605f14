package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vcall/vcall/internal/identity"
	"github.com/vcall/vcall/internal/media"
	"github.com/vcall/vcall/internal/signal"
	"github.com/vcall/vcall/internal/util"
)

// EventKind classifies engine notifications to the UI layer.
type EventKind int

const (
	EventState EventKind = iota
	EventQuality
	EventRemoteTrack
	EventNotice
)

// Event is an advisory notification from the engine. The UI consumes these;
// nothing in the engine depends on them being read.
type Event struct {
	Kind    EventKind
	State   State
	Quality Quality
	Notice  string
}

// ErrBusy is returned when Dial or Accept is invoked while a session is
// already live. At most one call session exists per process.
var ErrBusy = errors.New("a call session is already active")

// Engine owns the peer connection and local media for one call at a time.
// It is driven from two sides: navigation intents / user actions, and
// inbound signals off the bus. The session state machine arbitrates between
// them, so a signal racing a user action resolves to an ignored no-op on
// one side rather than a conflict.
type Engine struct {
	sig     Sender
	self    identity.Identity
	media   media.Source
	newLink LinkFactory

	prefs           media.Prefs
	disconnectGrace time.Duration

	mu            sync.Mutex
	sess          Session
	link          PeerLink
	stream        media.Stream
	screen        media.Track
	muted         bool
	videoOff      bool
	transportDown bool
	graceTimer    *time.Timer

	events  chan Event
	cancels []func()
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMediaPrefs sets the capture preferences used on acquisition.
func WithMediaPrefs(p media.Prefs) EngineOption {
	return func(e *Engine) { e.prefs = p }
}

// WithDisconnectGrace sets how long a live call survives a lost signaling
// transport before being ended.
func WithDisconnectGrace(d time.Duration) EngineOption {
	return func(e *Engine) { e.disconnectGrace = d }
}

// NewEngine creates the engine and subscribes it to the bus events it owns.
func NewEngine(bus *signal.Bus, sig Sender, self identity.Identity, src media.Source, factory LinkFactory, opts ...EngineOption) *Engine {
	e := &Engine{
		sig:             sig,
		self:            self,
		media:           src,
		newLink:         factory,
		prefs:           media.Prefs{Width: 1280, Height: 720, FrameRate: 30},
		disconnectGrace: 10 * time.Second,
		events:          make(chan Event, 16),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.cancels = append(e.cancels,
		bus.Subscribe(signal.EventCallAccepted, e.handleAccepted),
		bus.Subscribe(signal.EventCallDeclined, func(json.RawMessage) { e.handleDeclined() }),
		bus.Subscribe(signal.EventCallEnded, func(json.RawMessage) { e.handleEnded() }),
		bus.Subscribe(signal.EventICECandidate, e.handleCandidate),
	)
	return e
}

// Events returns the engine's advisory notification stream.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Snapshot returns a copy of the current session.
func (e *Engine) Snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// Close detaches the engine from the bus and tears down any live session.
func (e *Engine) Close() {
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Lock()
	e.teardownLocked()
	e.mu.Unlock()
}

// Reset discards an ended session so a fresh call can start. It is an error
// to reset a live session — hang up first.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.live() {
		return ErrBusy
	}
	e.sess = Session{}
	e.muted = false
	e.videoOff = false
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Caller and callee paths
// ──────────────────────────────────────────────────────────────────────────────

// Dial runs the caller path: idle → calling, acquire media, build the peer
// link, send the offer addressed to the target along with our identity so
// the remote listener can render the proposal.
func (e *Engine) Dial(ctx context.Context, peerID, peerName string) error {
	if err := e.begin(ctx, peerID, peerName, false); err != nil {
		return err
	}

	e.mu.Lock()
	link := e.link
	e.mu.Unlock()

	offer, err := link.CreateOffer()
	if err != nil {
		return e.abort(fmt.Errorf("CreateOffer: %w", err))
	}
	if err := link.SetLocalDescription(offer); err != nil {
		return e.abort(fmt.Errorf("SetLocalDescription: %w", err))
	}

	e.sig.Send(signal.EventCallUser, signal.CallUser{
		ToUserID:     peerID,
		FromUserID:   e.self.ID,
		FromUsername: e.self.Username,
		Offer:        offer,
	})
	util.LogInfo("calling %s", peerName)
	return nil
}

// Accept runs the callee path from a navigation intent carrying the offer:
// idle → connecting, acquire media, install the offer, answer back to the
// original caller, → connected.
func (e *Engine) Accept(ctx context.Context, nav Navigation) error {
	if !nav.Incoming {
		return errors.New("accept requires an incoming navigation intent")
	}
	if err := e.begin(ctx, nav.PeerID, nav.PeerName, true); err != nil {
		return err
	}

	e.mu.Lock()
	link := e.link
	e.mu.Unlock()

	if err := link.SetRemoteDescription(nav.Offer); err != nil {
		return e.abort(fmt.Errorf("SetRemoteDescription: %w", err))
	}
	e.remoteDescribed(link)

	answer, err := link.CreateAnswer()
	if err != nil {
		return e.abort(fmt.Errorf("CreateAnswer: %w", err))
	}
	if err := link.SetLocalDescription(answer); err != nil {
		return e.abort(fmt.Errorf("SetLocalDescription: %w", err))
	}

	e.sig.Send(signal.EventAcceptCall, signal.AcceptCall{
		ToUserID:   nav.PeerID,
		FromUserID: e.self.ID,
		Answer:     answer,
	})

	e.mu.Lock()
	next, ok := e.sess.Connected(time.Now())
	if ok {
		e.sess = next
	}
	e.mu.Unlock()
	if ok {
		e.emit(Event{Kind: EventState, State: StateConnected})
	}
	return nil
}

// begin performs the shared start of both paths: claim the session, acquire
// media, build the link, attach tracks. Media-acquisition failure aborts
// the transition back to idle; it is reported, never retried.
func (e *Engine) begin(ctx context.Context, peerID, peerName string, incoming bool) error {
	e.mu.Lock()
	var ok bool
	var next Session
	if incoming {
		next, ok = e.sess.Accept(peerID, peerName)
	} else {
		next, ok = e.sess.Dial(peerID, peerName)
	}
	if !ok {
		e.mu.Unlock()
		return ErrBusy
	}
	e.sess = next
	state := next.State
	e.mu.Unlock()
	e.emit(Event{Kind: EventState, State: state})

	stream, err := e.media.Acquire(ctx, e.prefs)
	if err != nil {
		return e.abort(fmt.Errorf("media acquisition failed: %w", err))
	}

	link, err := e.newLink()
	if err != nil {
		stream.Close()
		return e.abort(fmt.Errorf("failed to create peer link: %w", err))
	}

	var audio, video webrtc.TrackLocal
	if t := stream.AudioTrack(); t != nil {
		audio = t
	}
	if t := stream.VideoTrack(); t != nil {
		video = t
	}
	if err := link.AddTracks(audio, video); err != nil {
		stream.Close()
		link.Close()
		return e.abort(err)
	}

	// Outbound candidates are forwarded the moment they are gathered —
	// batching would add latency for no correctness benefit.
	link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		e.sig.Send(signal.EventICECandidate, signal.CandidateOut{
			ToUserID:  peerID,
			Candidate: c,
		})
	})
	link.OnICEStateChange(func(s webrtc.ICEConnectionState) {
		e.setQuality(QualityFromICEState(s))
	})
	link.OnRemoteTrack(func() {
		e.mu.Lock()
		next, changed := e.sess.AttachRemote()
		if changed {
			e.sess = next
		}
		e.mu.Unlock()
		if changed {
			e.emit(Event{Kind: EventRemoteTrack})
		}
	})

	e.mu.Lock()
	e.link = link
	e.stream = stream
	e.mu.Unlock()
	return nil
}

// abort tears down a failed start/accept back to idle and returns err.
func (e *Engine) abort(err error) error {
	util.LogError("%v", err)
	e.mu.Lock()
	e.teardownLocked()
	e.sess = Session{}
	e.mu.Unlock()
	return err
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound signals
// ──────────────────────────────────────────────────────────────────────────────

// handleAccepted installs the callee's answer, flushes queued candidates in
// arrival order, and completes the caller-side handshake.
func (e *Engine) handleAccepted(data json.RawMessage) {
	var in signal.CallAccepted
	if err := json.Unmarshal(data, &in); err != nil {
		util.LogWarning("malformed call-accepted, dropping: %v", err)
		return
	}

	e.mu.Lock()
	if e.sess.State != StateCalling || e.link == nil {
		e.mu.Unlock()
		util.LogDebug("stale call-accepted ignored (state=%s)", e.sess.State)
		return
	}
	link := e.link
	e.mu.Unlock()

	if err := link.SetRemoteDescription(in.Answer); err != nil {
		util.LogError("failed to install answer: %v", err)
		return
	}
	e.remoteDescribed(link)

	e.mu.Lock()
	next, ok := e.sess.Connected(time.Now())
	if ok {
		e.sess = next
	}
	e.mu.Unlock()
	if ok {
		e.emit(Event{Kind: EventState, State: StateConnected})
		util.LogInfo("call connected")
	}
}

// remoteDescribed marks the remote description installed and applies every
// queued candidate, in the order received, exactly once.
func (e *Engine) remoteDescribed(link PeerLink) {
	e.mu.Lock()
	next, flush, ok := e.sess.RemoteDescribed()
	if ok {
		e.sess = next
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	for _, c := range flush {
		if err := link.AddICECandidate(c); err != nil {
			util.LogWarning("failed to apply buffered candidate: %v", err)
		}
	}
}

// handleCandidate applies a remote candidate immediately when the remote
// description is installed, and queues it otherwise. Applying before the
// description is installed is an error in the media stack, and dropping it
// instead fails silently on slow networks — this buffering is the one
// correctness-critical rule of the engine.
func (e *Engine) handleCandidate(data json.RawMessage) {
	var in signal.CandidateIn
	if err := json.Unmarshal(data, &in); err != nil {
		util.LogWarning("malformed ice-candidate, dropping: %v", err)
		return
	}

	e.mu.Lock()
	next, applyNow, ok := e.sess.CandidateReceived(in.Candidate)
	if ok {
		e.sess = next
	}
	link := e.link
	e.mu.Unlock()

	if !ok {
		util.LogDebug("stale ice-candidate ignored")
		return
	}
	if applyNow && link != nil {
		if err := link.AddICECandidate(in.Candidate); err != nil {
			util.LogWarning("failed to apply candidate: %v", err)
		}
	}
}

// handleDeclined surfaces the terminal notice and tears down; the remote
// side keeps no session, so no end-call goes back.
func (e *Engine) handleDeclined() {
	e.mu.Lock()
	if e.sess.State != StateCalling {
		e.mu.Unlock()
		util.LogDebug("stale call-declined ignored")
		return
	}
	peer := e.sess.PeerName
	e.teardownLocked()
	e.mu.Unlock()

	e.emit(Event{Kind: EventNotice, Notice: fmt.Sprintf("%s declined the call", peer)})
}

// handleEnded is the remote hang-up: tear down without signaling back.
func (e *Engine) handleEnded() {
	e.mu.Lock()
	live := e.sess.live()
	e.teardownLocked()
	e.mu.Unlock()
	if live {
		e.emit(Event{Kind: EventNotice, Notice: "call ended by remote peer"})
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// User actions
// ──────────────────────────────────────────────────────────────────────────────

// End hangs up. It signals the peer only when a session was actually live,
// and tearing down twice is a no-op — idempotent by the state machine.
func (e *Engine) End() {
	e.mu.Lock()
	peerID := e.sess.PeerID
	wasLive := e.sess.live()
	e.teardownLocked()
	e.mu.Unlock()

	if wasLive {
		e.sig.Send(signal.EventEndCall, signal.EndCall{
			ToUserID:   peerID,
			FromUserID: e.self.ID,
		})
	}
}

// SetMuted pauses or resumes the outgoing audio track in place.
func (e *Engine) SetMuted(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.link == nil || e.stream == nil {
		return errors.New("no active call")
	}

	var t webrtc.TrackLocal
	if !muted {
		if at := e.stream.AudioTrack(); at != nil {
			t = at
		}
	}
	if err := e.link.ReplaceAudioTrack(t); err != nil {
		return err
	}
	e.muted = muted
	return nil
}

// SetVideoOff pauses or resumes the outgoing camera track in place. While a
// screen share is active the camera is already replaced, so this only
// records the preference for when the share stops.
func (e *Engine) SetVideoOff(off bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.link == nil || e.stream == nil {
		return errors.New("no active call")
	}

	e.videoOff = off
	if e.screen != nil {
		return nil
	}
	var t webrtc.TrackLocal
	if !off {
		if vt := e.stream.VideoTrack(); vt != nil {
			t = vt
		}
	}
	return e.link.ReplaceVideoTrack(t)
}

// StartScreenShare swaps the outgoing video source for a screen capture on
// the existing connection. No new peer connection and no second
// offer/answer round — replacing in place keeps the audio path and the
// already-negotiated candidate pair.
func (e *Engine) StartScreenShare(ctx context.Context) error {
	e.mu.Lock()
	if e.link == nil || e.screen != nil {
		e.mu.Unlock()
		return errors.New("no active call or already sharing")
	}
	link := e.link
	e.mu.Unlock()

	track, err := e.media.AcquireScreen(ctx)
	if err != nil {
		return err
	}
	if err := link.ReplaceVideoTrack(track); err != nil {
		track.Close()
		return err
	}

	// The OS/user can stop the capture out from under us; fall back to the
	// camera when that happens.
	track.OnEnded(func(error) {
		if err := e.StopScreenShare(); err != nil {
			util.LogDebug("screen share already stopped: %v", err)
		}
	})

	e.mu.Lock()
	e.screen = track
	e.mu.Unlock()
	return nil
}

// StopScreenShare restores the camera as the outgoing video source.
func (e *Engine) StopScreenShare() error {
	e.mu.Lock()
	track := e.screen
	e.screen = nil
	link := e.link
	var camera webrtc.TrackLocal
	if e.stream != nil && !e.videoOff {
		if vt := e.stream.VideoTrack(); vt != nil {
			camera = vt
		}
	}
	e.mu.Unlock()

	if track == nil {
		return errors.New("no screen share active")
	}
	track.Close()
	if link != nil {
		return link.ReplaceVideoTrack(camera)
	}
	return nil
}

// InviteToJoin asks a third user to join the current call. The relay
// resolves which call we are in; the room id is advisory.
func (e *Engine) InviteToJoin(toUserID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.State != StateConnected {
		return errors.New("no connected call to invite into")
	}

	e.sig.Send(signal.EventInviteToCall, signal.InviteToCall{
		ToUserID:     toUserID,
		RoomID:       e.self.ID,
		FromUserID:   e.self.ID,
		FromUsername: e.self.Username,
	})
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Transport loss
// ──────────────────────────────────────────────────────────────────────────────

// TransportDown starts the disconnect grace timer. A live call whose
// signaling transport never comes back is ended rather than left hanging.
func (e *Engine) TransportDown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transportDown = true
	if !e.sess.live() || e.graceTimer != nil {
		return
	}
	e.graceTimer = time.AfterFunc(e.disconnectGrace, e.graceExpired)
}

// TransportUp cancels the grace timer; the call rides out the blip.
func (e *Engine) TransportUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transportDown = false
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
}

func (e *Engine) graceExpired() {
	e.mu.Lock()
	expiredWhileDown := e.transportDown && e.sess.live()
	if expiredWhileDown {
		e.teardownLocked()
	}
	e.graceTimer = nil
	e.mu.Unlock()

	if expiredWhileDown {
		e.emit(Event{Kind: EventNotice, Notice: "signaling connection lost, call ended"})
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Teardown
// ──────────────────────────────────────────────────────────────────────────────

// teardownLocked releases every resource of the current session: the device
// grant first (leaking it is a correctness bug), then the peer link. The
// state machine's End verdict makes a second invocation a no-op, but the
// resource releases are additionally nil-guarded so teardown is safe from
// any state, including a half-constructed one.
func (e *Engine) teardownLocked() {
	next, ok := e.sess.End()
	if ok {
		e.sess = next
	}

	if e.screen != nil {
		e.screen.Close()
		e.screen = nil
	}
	if e.stream != nil {
		e.stream.Close()
		e.stream = nil
	}
	if e.link != nil {
		if err := e.link.Close(); err != nil {
			util.LogDebug("peer link close: %v", err)
		}
		e.link = nil
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}

	if ok {
		e.emit(Event{Kind: EventState, State: StateEnded})
	}
}

// setQuality records the advisory quality signal and notifies the UI.
func (e *Engine) setQuality(q Quality) {
	e.mu.Lock()
	changed := e.sess.live() && e.sess.Quality != q
	if changed {
		e.sess.Quality = q
	}
	e.mu.Unlock()
	if changed {
		e.emit(Event{Kind: EventQuality, Quality: q})
	}
}

// emit delivers an advisory event without ever blocking the caller; when
// the UI is not draining, the oldest event is dropped.
func (e *Engine) emit(ev Event) {
	for {
		select {
		case e.events <- ev:
			return
		default:
			select {
			case <-e.events:
			default:
			}
		}
	}
}
