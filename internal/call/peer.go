package call

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/vcall/vcall/internal/config"
)

// PeerLink is the engine's view of one peer connection. The pion-backed
// implementation below is the only one used in production; tests drive the
// engine with a fake.
type PeerLink interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate fires for every locally gathered candidate; gathering
	// completion (the nil candidate) is filtered out.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnICEStateChange(fn func(webrtc.ICEConnectionState))
	// OnRemoteTrack fires once per inbound media track.
	OnRemoteTrack(fn func())

	// AddTracks attaches the local audio and video tracks and remembers the
	// senders so tracks can later be replaced in place. Either may be nil.
	AddTracks(audio, video webrtc.TrackLocal) error
	// ReplaceAudioTrack and ReplaceVideoTrack swap the outgoing track on the
	// existing sender without renegotiation. A nil track pauses sending.
	ReplaceAudioTrack(t webrtc.TrackLocal) error
	ReplaceVideoTrack(t webrtc.TrackLocal) error

	Close() error
}

// LinkFactory builds a fresh PeerLink for one call session.
type LinkFactory func() (PeerLink, error)

// NewPionLinkFactory returns a LinkFactory backed by pion/webrtc, with STUN
// servers and candidate pool size from cfg. populate, when non-nil,
// registers the capture pipeline's codecs on the media engine (the
// mediadevices codec selector); otherwise the default codecs are used.
func NewPionLinkFactory(cfg config.ICEConfig, populate func(*webrtc.MediaEngine)) LinkFactory {
	return func() (PeerLink, error) {
		me := &webrtc.MediaEngine{}
		if populate != nil {
			populate(me)
		} else if err := me.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("failed to register codecs: %w", err)
		}

		ir := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
			return nil, fmt.Errorf("failed to register interceptors: %w", err)
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
		)

		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers:           []webrtc.ICEServer{{URLs: cfg.STUNServers}},
			ICECandidatePoolSize: uint8(cfg.CandidatePoolSize),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
		}
		return &pionLink{pc: pc}, nil
	}
}

// pionLink adapts a pion PeerConnection to the PeerLink surface.
type pionLink struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

func (p *pionLink) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionLink) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *pionLink) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

func (p *pionLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionLink) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *pionLink) OnRemoteTrack(fn func()) {
	p.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
		fn()
	})
}

func (p *pionLink) AddTracks(audio, video webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if audio != nil {
		sender, err := p.pc.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("failed to add audio track: %w", err)
		}
		p.audioSender = sender
	}
	if video != nil {
		sender, err := p.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("failed to add video track: %w", err)
		}
		p.videoSender = sender
	}
	return nil
}

func (p *pionLink) ReplaceAudioTrack(t webrtc.TrackLocal) error {
	p.mu.Lock()
	sender := p.audioSender
	p.mu.Unlock()
	if sender == nil {
		return errors.New("no audio sender on this connection")
	}
	return sender.ReplaceTrack(t)
}

func (p *pionLink) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return errors.New("no video sender on this connection")
	}
	return sender.ReplaceTrack(t)
}

func (p *pionLink) Close() error {
	return p.pc.Close()
}
