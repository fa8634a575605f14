// Package media is the local-media capability boundary: acquiring the
// camera+microphone stream and, on demand, a screen-capture track. Both are
// revocable by the user or OS at any time, so acquisition is always treated
// as failable. The negotiation engine depends only on the interfaces here;
// the mediadevices-backed implementation lives in devices.go.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Track is one sendable local media track. mediadevices tracks satisfy it
// directly; test fakes implement the webrtc.TrackLocal surface trivially.
type Track interface {
	webrtc.TrackLocal

	// OnEnded registers a handler for the capture ending outside our
	// control (device unplugged, user stops the screen share).
	OnEnded(handler func(error))
	Close() error
}

// Stream is one acquired camera+microphone capture. Closing it releases the
// device grant; leaking that grant is a correctness bug, so Close must be
// idempotent and safe from any state.
type Stream interface {
	AudioTrack() Track // nil if the device has no microphone
	VideoTrack() Track // nil if the device has no camera
	Close() error
}

// Prefs are the capture preferences forwarded to the device layer.
type Prefs struct {
	Width            int
	Height           int
	FrameRate        int
	EchoCancellation bool
	NoiseSuppression bool
}

// Source acquires local media. Exactly one Stream is live per process; the
// negotiation engine is its sole owner.
type Source interface {
	Acquire(ctx context.Context, prefs Prefs) (Stream, error)
	AcquireScreen(ctx context.Context) (Track, error)
}
