package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen-capture driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/vcall/vcall/internal/util"
)

// Devices is the mediadevices-backed Source. It owns the VP8+Opus codec
// selector, which must also populate the peer connection's media engine so
// the captured tracks and the negotiated SDP agree on codecs.
type Devices struct {
	selector *mediadevices.CodecSelector
}

// NewDevices builds the capture pipeline with a VP8 video encoder and an
// Opus audio encoder.
func NewDevices() (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to init VP8 encoder: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to init Opus encoder: %w", err)
	}

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateEngine registers the selector's codecs on a webrtc.MediaEngine.
// Passed to the peer-link factory.
func (d *Devices) PopulateEngine(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

// Acquire opens the camera and microphone. Echo cancellation and noise
// suppression are applied by the platform capture backend where available;
// they do not make acquisition fail.
func (d *Devices) Acquire(ctx context.Context, prefs Prefs) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw frame formats only — MJPEG camera nodes can feed the VP8
			// encoder malformed frames and poison SDP negotiation.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Ideal: prefs.Width}
			c.Height = prop.IntRanged{Ideal: prefs.Height}
			if prefs.FrameRate > 0 {
				c.FrameRate = prop.FloatRanged{Ideal: float32(prefs.FrameRate)}
			}
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire camera/microphone: %w", err)
	}

	stream := &deviceStream{}
	for _, t := range ms.GetTracks() {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			stream.audio = t
		case webrtc.RTPCodecTypeVideo:
			stream.video = t
		}
		t.OnEnded(func(err error) {
			if err != nil {
				util.LogWarning("local media track ended: %v", err)
			}
		})
	}
	return stream, nil
}

// AcquireScreen opens a screen capture and returns its video track.
func (d *Devices) AcquireScreen(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire screen capture: %w", err)
	}

	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("screen capture produced no video track")
	}
	return tracks[0], nil
}

// deviceStream wraps the acquired mediadevices tracks. Close releases the
// camera/microphone grant exactly once.
type deviceStream struct {
	audio mediadevices.Track
	video mediadevices.Track

	closeOnce sync.Once
}

func (s *deviceStream) AudioTrack() Track {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *deviceStream) VideoTrack() Track {
	if s.video == nil {
		return nil
	}
	return s.video
}

func (s *deviceStream) Close() error {
	s.closeOnce.Do(func() {
		if s.audio != nil {
			s.audio.Close()
		}
		if s.video != nil {
			s.video.Close()
		}
	})
	return nil
}
