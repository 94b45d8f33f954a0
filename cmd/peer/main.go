// Command peer is a headless call endpoint: it announces an identity
// on the signaling server, then either rings a target or waits for
// incoming calls. Useful for soak-testing the relay without a browser.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devrtc/devrtc/internal/adapters/capture"
	"github.com/devrtc/devrtc/internal/adapters/rtc"
	"github.com/devrtc/devrtc/internal/adapters/wsdial"
	"github.com/devrtc/devrtc/internal/call"
	"github.com/devrtc/devrtc/internal/domain"
)

func main() {
	var (
		server      = flag.String("server", "ws://localhost:8080/api/ws/signal", "signaling server websocket URL")
		userID      = flag.String("id", "", "user identity to announce")
		name        = flag.String("name", "", "display name")
		target      = flag.String("call", "", "user to call after connecting; empty means wait for calls")
		autoAccept  = flag.Bool("accept", false, "accept incoming calls automatically")
		callTimeout = flag.Duration("timeout", 30*time.Second, "bound on calling/ringing before giving up")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	user, err := domain.NewUser(domain.UserID(*userID), *name)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid identity")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := wsdial.Dial(ctx, *server, user)
	if err != nil {
		log.Fatal().Err(err).Str("server", *server).Msg("dial failed")
	}
	defer client.Close()

	// Notices arrive from inside session transitions; handling them on
	// this goroutine keeps accept/hangup calls out of the session's
	// critical section.
	notices := make(chan call.Notice, 8)
	notifier := call.NotifierFunc(func(n call.Notice) {
		select {
		case notices <- n:
		default:
		}
	})

	device := capture.NewDevice()

	var session *call.Session
	factory := rtc.Factory(rtc.DefaultConfig(), func(err error) {
		session.NegotiationFailed(err)
	})
	session = call.NewSession(client, device, factory, notifier, *callTimeout)

	client.Bind(ctx, session, func(users []domain.UserID) {
		log.Info().Int("online", len(users)).Msg("presence update")
	})

	if *target != "" {
		if err := session.Start(ctx, domain.UserID(*target)); err != nil {
			log.Fatal().Err(err).Str("target", *target).Msg("call failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			session.Hangup()
			return
		case n := <-notices:
			log.Info().Str("kind", string(n.Kind)).Str("peer", string(n.Peer)).Msg(n.Text)
			if n.Kind == call.NoticeIncoming && *autoAccept {
				if err := session.Accept(ctx); err != nil {
					log.Error().Err(err).Msg("accept failed")
				}
			}
		}
	}
}
