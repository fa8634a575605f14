// Package config holds the vcall configuration, loadable from a TOML file
// with CLI flags taking precedence over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full configuration for both the client and the relay.
type Config struct {
	Relay RelayConfig `toml:"relay"`
	ICE   ICEConfig   `toml:"ice"`
	Media MediaConfig `toml:"media"`
	Calls CallsConfig `toml:"calls"`
}

// RelayConfig configures how to reach (or run) the relay.
type RelayConfig struct {
	URL        string `toml:"url"`         // client: websocket URL of the relay
	ListenAddr string `toml:"listen_addr"` // relay: address to listen on
}

// ICEConfig configures candidate gathering for the peer connection.
type ICEConfig struct {
	STUNServers       []string `toml:"stun_servers"`
	CandidatePoolSize int      `toml:"candidate_pool_size"`
}

// MediaConfig carries device-capture preferences. Echo cancellation and
// noise suppression are requests to the capture backend; a backend without
// platform AEC captures unprocessed audio rather than failing.
type MediaConfig struct {
	Width            int  `toml:"width"`
	Height           int  `toml:"height"`
	FrameRate        int  `toml:"frame_rate"`
	EchoCancellation bool `toml:"echo_cancellation"`
	NoiseSuppression bool `toml:"noise_suppression"`
}

// CallsConfig holds the two behaviors the observed protocol leaves open.
type CallsConfig struct {
	// NotifyInviterOnDecline sends a decline-call signal to the inviter when
	// a join invitation is declined. Off by default: the inviter is simply
	// not told.
	NotifyInviterOnDecline bool `toml:"notify_inviter_on_decline"`

	// DisconnectGrace is how long a live call survives a lost signaling
	// transport before it is ended. Media flows peer-to-peer, so a brief
	// relay outage does not have to kill the call.
	DisconnectGrace Duration `toml:"disconnect_grace"`
}

// Duration is a time.Duration that unmarshals from TOML strings like "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			URL:        "ws://127.0.0.1:8080/ws",
			ListenAddr: ":8080",
		},
		ICE: ICEConfig{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			CandidatePoolSize: 10,
		},
		Media: MediaConfig{
			Width:            1280,
			Height:           720,
			FrameRate:        30,
			EchoCancellation: true,
			NoiseSuppression: true,
		},
		Calls: CallsConfig{
			NotifyInviterOnDecline: false,
			DisconnectGrace:        Duration{10 * time.Second},
		},
	}
}

// Load reads a TOML config file layered over Default(). An empty path
// returns the defaults; a missing file is an error (a path the user asked
// for should exist).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}
