// Vcall — CLI entry point.
//
// This tool places direct video calls between users over WebRTC, with a
// websocket relay handling presence and call signaling. Media flows peer to
// peer after the offer/answer exchange; the relay never sees it.
//
// It can be launched with just a display name (-name) or fully configured
// via flags and a TOML config file (-relay, -config, -debug).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/vcall/vcall/internal/call"
	"github.com/vcall/vcall/internal/config"
	"github.com/vcall/vcall/internal/identity"
	"github.com/vcall/vcall/internal/media"
	"github.com/vcall/vcall/internal/signal"
	"github.com/vcall/vcall/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C or when the signaling budget runs out.
	rootCtx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	// CLI flags.
	relayURL := flag.String("relay", "", "Relay websocket URL (overrides config)")
	name := flag.String("name", "", "Display name shown to other users")
	configPath := flag.String("config", "", "Path to a TOML config file")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Vcall — v%s", version))
	pterm.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *relayURL != "" {
		cfg.Relay.URL = *relayURL
	}

	username := strings.TrimSpace(*name)
	if username == "" {
		username = askName()
	}
	self := identity.New(username)

	dev, err := media.NewDevices()
	if err != nil {
		util.LogError("failed to initialize media devices: %v", err)
		os.Exit(1)
	}

	client := signal.NewClient(cfg.Relay.URL)
	bus := client.Bus()

	presence := signal.NewPresence(client)
	presence.SetIdentity(self)

	users := &rosterStore{}
	bus.Subscribe(signal.EventOnlineUsers, users.update)

	listener := call.NewListener(bus, client, self,
		call.WithDeclineNotification(cfg.Calls.NotifyInviterOnDecline))
	defer listener.Close()

	factory := call.NewPionLinkFactory(cfg.ICE, dev.PopulateEngine)
	engine := call.NewEngine(bus, client, self, dev, factory,
		call.WithMediaPrefs(media.Prefs{
			Width:            cfg.Media.Width,
			Height:           cfg.Media.Height,
			FrameRate:        cfg.Media.FrameRate,
			EchoCancellation: cfg.Media.EchoCancellation,
			NoiseSuppression: cfg.Media.NoiseSuppression,
		}),
		call.WithDisconnectGrace(cfg.Calls.DisconnectGrace.Duration))
	defer engine.Close()

	client.OnConnect(func() { engine.TransportUp() })
	client.OnDisconnect(func() { engine.TransportDown() })

	go func() {
		if err := client.Run(ctx); err != nil {
			util.LogError("signaling connection lost for good: %v", err)
			cancel()
		}
	}()

	util.LogInfo("online as %s — waiting for the relay at %s", self.Username, cfg.Relay.URL)
	runMenu(ctx, engine, listener, presence, users, self)
	util.LogInfo("goodbye")
}

// ---------------------------------------------------------------------------
// Main menu
// ---------------------------------------------------------------------------

// runMenu is the idle-screen loop: pending call proposals surface as extra
// menu entries, and accepting one hands a navigation intent to the call
// screen.
func runMenu(ctx context.Context, eng *call.Engine, lst *call.Listener, presence *signal.Presence, users *rosterStore, self identity.Identity) {
	for ctx.Err() == nil {
		// An accepted proposal lands here before the next menu render.
		select {
		case <-ctx.Done():
			return
		case nav := <-lst.Nav():
			startCall(ctx, eng, nav, users, self)
			continue
		default:
		}

		options := make([]string, 0, 8)
		if inv := lst.Invite(); inv != nil {
			options = append(options,
				fmt.Sprintf("Accept call from %s", inv.FromUsername),
				fmt.Sprintf("Decline call from %s", inv.FromUsername))
		}
		if inv := lst.Invitation(); inv != nil {
			options = append(options,
				fmt.Sprintf("Join %s's call with %s", inv.FromUsername, inv.ExistingCallUsername),
				"Decline invitation")
		}
		options = append(options, "Call someone", "Refresh online users", "Quit")

		choice, _ := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText(fmt.Sprintf("Vcall — %s", self.Username)).
			Show()

		switch {
		case strings.HasPrefix(choice, "Accept call"):
			lst.AcceptCall()
		case strings.HasPrefix(choice, "Decline call"):
			lst.DeclineCall()
		case strings.HasPrefix(choice, "Join "):
			lst.AcceptInvitation()
		case choice == "Decline invitation":
			lst.DeclineInvitation()
		case choice == "Call someone":
			if nav, ok := pickCallee(users, self); ok {
				startCall(ctx, eng, nav, users, self)
			}
		case choice == "Refresh online users":
			presence.RequestRoster()
			time.Sleep(300 * time.Millisecond)
			printRoster(users, self)
		case choice == "Quit":
			return
		}
	}
}

// startCall drives one call end to end: the engine's caller or callee path,
// then the in-call screen, then the reset that frees the slot for the next
// call.
func startCall(ctx context.Context, eng *call.Engine, nav call.Navigation, users *rosterStore, self identity.Identity) {
	var err error
	if nav.Incoming {
		err = eng.Accept(ctx, nav)
	} else {
		err = eng.Dial(ctx, nav.PeerID, nav.PeerName)
	}
	if err != nil {
		util.LogError("could not start the call: %v", err)
		eng.Reset()
		return
	}

	callScreen(ctx, eng, users, self)

	eng.End()
	if err := eng.Reset(); err != nil {
		util.LogWarning("session not released: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Call screen
// ---------------------------------------------------------------------------

// callScreen runs the in-call action menu until the call ends on either
// side. Engine events print as they arrive; the menu re-renders with the
// current toggle states and elapsed time.
func callScreen(ctx context.Context, eng *call.Engine, users *rosterStore, self identity.Identity) {
	callCtx, done := context.WithCancel(ctx)
	defer done()

	go func() {
		clockStarted := false
		for {
			select {
			case <-callCtx.Done():
				return
			case ev := <-eng.Events():
				switch ev.Kind {
				case call.EventState:
					switch ev.State {
					case call.StateConnected:
						util.LogInfo("call connected")
						if !clockStarted {
							clockStarted = true
							util.StartCallClock(callCtx, time.Now(), func(elapsed time.Duration) {
								if elapsed%time.Minute == 0 {
									util.LogDebug("call duration %s", util.FormatDuration(elapsed))
								}
							})
						}
					case call.StateEnded:
						done()
					}
				case call.EventQuality:
					util.LogInfo("connection quality: %s", ev.Quality)
				case call.EventRemoteTrack:
					util.LogInfo("receiving remote media")
				case call.EventNotice:
					util.LogWarning("%s", ev.Notice)
				}
			}
		}
	}()

	var muted, videoOff, sharing bool
	for callCtx.Err() == nil {
		snap := eng.Snapshot()
		if snap.State == call.StateEnded {
			return
		}

		title := fmt.Sprintf("In call with %s", snap.PeerName)
		if !snap.ConnectedAt.IsZero() {
			title = fmt.Sprintf("%s — %s", title, util.FormatDuration(time.Since(snap.ConnectedAt).Truncate(time.Second)))
		}

		options := []string{
			toggleLabel("Mute microphone", "Unmute microphone", muted),
			toggleLabel("Turn camera off", "Turn camera on", videoOff),
			toggleLabel("Share screen", "Stop sharing screen", sharing),
			"Invite someone",
			"Hang up",
		}

		choice, _ := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText(title).
			Show()

		if callCtx.Err() != nil {
			return
		}

		switch choice {
		case "Mute microphone", "Unmute microphone":
			if err := eng.SetMuted(!muted); err != nil {
				util.LogWarning("%v", err)
				continue
			}
			muted = !muted
		case "Turn camera off", "Turn camera on":
			if err := eng.SetVideoOff(!videoOff); err != nil {
				util.LogWarning("%v", err)
				continue
			}
			videoOff = !videoOff
		case "Share screen":
			if err := eng.StartScreenShare(callCtx); err != nil {
				util.LogWarning("screen share failed: %v", err)
				continue
			}
			sharing = true
		case "Stop sharing screen":
			if err := eng.StopScreenShare(); err != nil {
				util.LogWarning("%v", err)
			}
			sharing = false
		case "Invite someone":
			inviteSomeone(eng, users, self, snap.PeerID)
		case "Hang up":
			eng.End()
			return
		}
	}
}

func toggleLabel(off, on string, active bool) string {
	if active {
		return on
	}
	return off
}

// ---------------------------------------------------------------------------
// Roster
// ---------------------------------------------------------------------------

// rosterStore tracks the relay's latest presence roster.
type rosterStore struct {
	mu    sync.Mutex
	users []identity.Identity
}

func (r *rosterStore) update(data json.RawMessage) {
	var in signal.OnlineUsers
	if err := json.Unmarshal(data, &in); err != nil {
		util.LogWarning("malformed online-users, dropping: %v", err)
		return
	}
	r.mu.Lock()
	r.users = in.Users
	r.mu.Unlock()
}

// others returns everyone on the roster except the listed user ids.
func (r *rosterStore) others(exclude ...string) []identity.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]identity.Identity, 0, len(r.users))
	for _, u := range r.users {
		skip := false
		for _, id := range exclude {
			if u.ID == id {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, u)
		}
	}
	return out
}

func printRoster(users *rosterStore, self identity.Identity) {
	online := users.others(self.ID)
	if len(online) == 0 {
		util.LogInfo("nobody else is online")
		return
	}
	for _, u := range online {
		pterm.Println("  • " + u.Username)
	}
	pterm.Println()
}

// pickCallee asks who to call and produces the caller-side navigation
// intent.
func pickCallee(users *rosterStore, self identity.Identity) (call.Navigation, bool) {
	online := users.others(self.ID)
	if len(online) == 0 {
		util.LogWarning("nobody else is online — refresh and try again")
		return call.Navigation{}, false
	}

	labels := make([]string, 0, len(online)+1)
	byLabel := make(map[string]identity.Identity, len(online))
	for _, u := range online {
		label := fmt.Sprintf("%s (%s)", u.Username, shortID(u.ID))
		labels = append(labels, label)
		byLabel[label] = u
	}
	labels = append(labels, "Back")

	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions(labels).
		WithDefaultText("Call who?").
		Show()

	u, ok := byLabel[choice]
	if !ok {
		return call.Navigation{}, false
	}
	return call.Navigation{PeerID: u.ID, PeerName: u.Username}, true
}

// inviteSomeone asks a third user to join the ongoing call.
func inviteSomeone(eng *call.Engine, users *rosterStore, self identity.Identity, peerID string) {
	online := users.others(self.ID, peerID)
	if len(online) == 0 {
		util.LogWarning("nobody else is online to invite")
		return
	}

	labels := make([]string, 0, len(online)+1)
	byLabel := make(map[string]identity.Identity, len(online))
	for _, u := range online {
		label := fmt.Sprintf("%s (%s)", u.Username, shortID(u.ID))
		labels = append(labels, label)
		byLabel[label] = u
	}
	labels = append(labels, "Back")

	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions(labels).
		WithDefaultText("Invite who?").
		Show()

	u, ok := byLabel[choice]
	if !ok {
		return
	}
	if err := eng.InviteToJoin(u.ID); err != nil {
		util.LogWarning("%v", err)
		return
	}
	util.LogInfo("invited %s to join the call", u.Username)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askName prompts for a display name until a non-empty one is entered.
func askName() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your display name").
			Show()

		name := strings.TrimSpace(raw)
		if name != "" {
			pterm.Println()
			return name
		}

		util.LogWarning("display name cannot be empty")
		pterm.Println()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
