// Command callkit-demo wires the call subsystem together and stands in
// for the UI layer: it connects signaling, optionally places a call,
// and prints every emitted event until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/mirrasocial/callkit/internal/backend"
	"github.com/mirrasocial/callkit/internal/call"
	"github.com/mirrasocial/callkit/internal/clock"
	"github.com/mirrasocial/callkit/internal/config"
	"github.com/mirrasocial/callkit/internal/crypto"
	"github.com/mirrasocial/callkit/internal/events"
	"github.com/mirrasocial/callkit/internal/media"
	"github.com/mirrasocial/callkit/internal/peer"
	"github.com/mirrasocial/callkit/internal/reconnect"
	"github.com/mirrasocial/callkit/internal/signaling"
	"github.com/mirrasocial/callkit/internal/turncreds"
)

// Application holds the wired call subsystem.
type Application struct {
	cfg     *config.Config
	log     *zap.Logger
	bus     *events.Bus
	machine *call.Machine
	channel *signaling.Client
	creds   *turncreds.Manager
	wg      sync.WaitGroup
}

func main() {
	cfg := config.NewDefaultConfig()

	var token, userID, target, conversation string
	flag.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "REST base URL")
	flag.StringVar(&cfg.SignalingURL, "ws", cfg.SignalingURL, "signaling websocket URL")
	flag.StringVar(&cfg.CredentialCachePath, "cred-cache", cfg.CredentialCachePath, "encrypted TURN credential cache file")
	flag.StringVar(&token, "token", "", "bearer token")
	flag.StringVar(&userID, "user", "", "authenticated user id")
	flag.StringVar(&target, "call", "", "user id to call on startup")
	flag.StringVar(&conversation, "conversation", "", "group conversation id to call on startup")
	video := flag.Bool("video", false, "place a video call")
	flag.Parse()

	if token == "" || userID == "" {
		log.Fatal("both -token and -user are required")
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	app, err := newApplication(cfg, userID, token, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kind := media.Audio
	if *video {
		kind = media.Video
	}
	if err := app.Run(ctx, target, conversation, kind); err != nil {
		logger.Fatal("demo failed", zap.Error(err))
	}
}

func newApplication(cfg *config.Config, userID, token string, logger *zap.Logger) (*Application, error) {
	tokens := backend.StaticToken(token)

	api, err := backend.NewClient(cfg.APIBaseURL, tokens, logger)
	if err != nil {
		return nil, err
	}

	capturer, err := media.NewCapturer(cfg.Media, logger)
	if err != nil {
		return nil, err
	}

	credOpts := []turncreds.Option{}
	if cfg.CredentialCachePath != "" {
		key := cfg.CredentialCacheKey
		if key == "" {
			if key, err = crypto.NewKey(); err != nil {
				return nil, err
			}
		}
		credOpts = append(credOpts, turncreds.WithDiskCache(cfg.CredentialCachePath, key))
	}
	creds := turncreds.NewManager(api, cfg.STUNURLs, logger, credOpts...)

	channel := signaling.NewClient(cfg.SignalingURL, tokens, logger)

	peers, err := peer.NewManager(capturer.CodecSelector(), creds, channel, logger)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	recon := reconnect.New(peers, bus.Connections, clock.Real(),
		cfg.MaxReconnectAttempts, cfg.ReconnectDelay, logger)
	recon.OnFinalRetry(creds.ForceRefresh)

	machine := call.New(cfg, userID, call.Deps{
		Backend:   api,
		Signal:    channel,
		Peers:     peers,
		Media:     capturer,
		ICE:       creds,
		Reconnect: recon,
	}, bus, clock.Real(), logger)

	peers.OnState(machine.HandlePeerState)
	peers.OnTrack(machine.HandleRemoteTrack)
	channel.SetHandler(machine.HandleSignal)

	return &Application{
		cfg:     cfg,
		log:     logger.Named("demo"),
		bus:     bus,
		machine: machine,
		channel: channel,
		creds:   creds,
	}, nil
}

// Run connects signaling, optionally places a call, and blocks until
// the context is cancelled or the signaling channel drops.
func (app *Application) Run(ctx context.Context, target, conversation string, kind media.Type) error {
	if err := app.channel.Dial(ctx); err != nil {
		return err
	}
	defer app.channel.Close()

	app.watchEvents()
	app.checkConnectivity(ctx)

	if target != "" || conversation != "" {
		callID, err := app.machine.Initiate(ctx, target, conversation, kind)
		if err != nil {
			return err
		}
		app.log.Info("placed call", zap.String("call_id", callID))
	}

	select {
	case <-ctx.Done():
		app.log.Info("interrupted, hanging up")
	case <-app.channel.Done():
		app.log.Warn("signaling channel closed")
	}

	if err := app.machine.End(context.Background()); err != nil {
		app.log.Warn("hangup failed", zap.Error(err))
	}
	app.wg.Wait()
	return nil
}

// checkConnectivity probes the configured STUN servers in the
// background so a dead or misconfigured server shows up in the logs
// before the first call stalls on it.
func (app *Application) checkConnectivity(ctx context.Context) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		errs := app.creds.ProbeSTUN(ctx)
		if len(errs) == 0 {
			app.log.Info("all STUN servers reachable",
				zap.Int("servers", len(app.cfg.STUNURLs)))
			return
		}
		for _, err := range errs {
			app.log.Warn("STUN server unreachable", zap.Error(err))
		}
	}()
}

// watchEvents prints each event family as it arrives. The subscriber
// channels close when the bus streams are cancelled at shutdown.
func (app *Application) watchEvents() {
	status, cancelStatus := app.bus.Status.Subscribe()
	participants, cancelParts := app.bus.Participants.Subscribe()
	connections, cancelConns := app.bus.Connections.Subscribe()
	notices, cancelNotices := app.bus.Notices.Subscribe()
	invites, cancelInvites := app.bus.Invites.Subscribe()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		defer cancelStatus()
		defer cancelParts()
		defer cancelConns()
		defer cancelNotices()
		defer cancelInvites()

		for {
			select {
			case ev := <-status:
				app.log.Info("call status",
					zap.String("call_id", ev.CallID),
					zap.String("status", string(ev.Status)),
					zap.String("reason", ev.Reason))
				if ev.Status.Terminal() {
					return
				}
			case ev := <-participants:
				app.log.Info("participant",
					zap.String("user_id", ev.UserID),
					zap.String("kind", string(ev.Kind)),
					zap.Bool("audio", ev.AudioEnabled),
					zap.Bool("video", ev.VideoEnabled))
			case ev := <-connections:
				app.log.Info("connection",
					zap.String("peer_id", ev.PeerID),
					zap.String("state", string(ev.State)),
					zap.Int("attempt", ev.Attempt))
			case n := <-notices:
				app.log.Warn("notice",
					zap.String("code", string(n.Code)),
					zap.String("message", n.Message))
			case inv := <-invites:
				app.log.Info("incoming call, auto-accepting",
					zap.String("call_id", inv.CallID),
					zap.String("from", inv.InitiatorID),
					zap.String("type", inv.CallType))
				if err := app.machine.Accept(context.Background(), inv.CallID); err != nil {
					app.log.Warn("failed to accept", zap.Error(err))
				}
			}
		}
	}()
}
