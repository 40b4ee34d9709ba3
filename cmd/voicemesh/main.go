// Command voicemesh is an interactive console harness for the voice-call
// core: join a room, start or join its call, mute, inspect link status, or
// run the signaling tester against another participant. With the -redis flag
// multiple processes share one room; without it the store is process-local.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/leetbattle/voicemesh/pkg/call"
	"github.com/leetbattle/voicemesh/pkg/mesh"
	"github.com/leetbattle/voicemesh/pkg/store"
	"github.com/leetbattle/voicemesh/pkg/tester"
)

func main() {
	var (
		user      = flag.String("user", "", "participant identity (required)")
		room      = flag.String("room", "default", "room name")
		redisAddr = flag.String("redis", "", "redis address, e.g. localhost:6379 (empty: in-memory store)")
		redisPass = flag.String("redis-password", "", "redis password")
		target    = flag.String("test-target", "", "run the signaling tester against this participant instead of a session")
	)
	flag.Parse()

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Logger()

	if *user == "" {
		l.Fatal().Msg("-user is required")
	}

	var st store.Store
	if *redisAddr != "" {
		rs, err := store.NewRedisStore(store.RedisConfig{Addr: *redisAddr, Password: *redisPass})
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rs.Close()
		st = rs
		l.Info().Str("addr", *redisAddr).Msg("Using Redis store")
	} else {
		st = store.NewMemoryStore()
		l.Warn().Msg("Using in-memory store; other processes will not see this room")
	}

	roomID := call.NormalizeRoomID(*room)
	ctx := context.Background()

	if *target != "" {
		runTester(ctx, l, st, roomID, *user, *target)
		return
	}

	session, err := mesh.NewSession(st, roomID, *user, mesh.DefaultSessionConfig())
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to create session")
	}
	defer session.Close()

	session.SetOnLinkState(func(remote string, state webrtc.PeerConnectionState) {
		l.Info().Str("remote", remote).Str("state", state.String()).Msg("Link state")
	})
	session.SetOnPlaybackBlocked(func(remote string) {
		l.Warn().Str("remote", remote).Msg("Playback blocked; type 'resume' to retry")
	})
	session.SetOnCallEnded(func(reason string) {
		l.Info().Str("reason", reason).Msg("Call ended")
	})

	if err := session.Manager().EnsureRoom(ctx, *room); err != nil {
		l.Fatal().Err(err).Msg("Failed to join room")
	}
	l.Info().Str("room", roomID).Str("user", *user).Msg("In room")

	fmt.Println("commands: start | join | leave | mute | unmute | speaker-mute | speaker-unmute | resume | status | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "start":
			if err := session.Start(ctx, nil); err != nil {
				l.Error().Err(err).Msg("Start failed")
			}
		case "join":
			if err := session.Join(ctx); err != nil {
				l.Error().Err(err).Msg("Join failed")
			}
		case "leave":
			if err := session.Leave(ctx); err != nil {
				l.Error().Err(err).Msg("Leave failed")
			}
		case "mute":
			session.SetMicMuted(true)
		case "unmute":
			session.SetMicMuted(false)
		case "speaker-mute":
			session.SetSpeakerMuted(true)
		case "speaker-unmute":
			session.SetSpeakerMuted(false)
		case "resume":
			for _, remote := range session.Pool().Remotes() {
				if link, err := session.Pool().GetLink(remote); err == nil {
					if pb := link.Playback(); pb != nil {
						pb.Resume()
					}
				}
			}
		case "status":
			fmt.Println(session.Status().ToJSON())
		case "quit", "exit":
			if err := session.Leave(ctx); err != nil {
				l.Error().Err(err).Msg("Leave failed")
			}
			return
		case "":
		default:
			fmt.Println("unknown command")
		}
	}
}

// runTester drives the stand-alone signaling tester: it joins the call,
// listens for signals from the target, and reports connection progress.
func runTester(ctx context.Context, l zerolog.Logger, st store.Store, roomID, user, target string) {
	tr, err := tester.New(st, roomID, user, target, mesh.DefaultConfig())
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to create tester")
	}

	done := make(chan struct{})
	tr.SetOnState(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			l.Info().Msg("SUCCESS: peer connection established")
		case webrtc.PeerConnectionStateFailed:
			l.Error().Msg("FAILED: peer connection failed")
			close(done)
		}
	})

	if err := tr.Start(ctx); err != nil {
		l.Fatal().Err(err).Msg("Failed to start tester")
	}
	if err := tr.JoinCall(ctx); err != nil {
		l.Warn().Err(err).Msg("No active call to join; waiting for signals anyway")
	}
	l.Info().Str("as", user).Str("target", target).Msg("Tester listening")

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Info().Str("state", tr.ConnectionState().String()).Msg("Connection status")
		case <-done:
			tr.Stop()
			return
		}
	}
}
