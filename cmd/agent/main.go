package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live/cohost/internal/bus"
	"github.com/weiawesome/wes-io-live/cohost/internal/client"
	"github.com/weiawesome/wes-io-live/cohost/internal/config"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/mic"
	"github.com/weiawesome/wes-io-live/cohost/internal/negotiator"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
	"github.com/weiawesome/wes-io-live/cohost/internal/session"
	"github.com/weiawesome/wes-io-live/cohost/internal/webrtc"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "cohost-agent"})
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("agent failed")
	}
	logger.Info().Msg("cohost-agent stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := pkglog.L()
	ac := cfg.Agent

	if ac.RoomID == "" {
		return errors.New("agent.room_id is required")
	}
	if !ac.IsBroadcaster && ac.Broadcaster == "" {
		return errors.New("agent.broadcaster is required for viewers")
	}

	b, self, err := connectBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	logger = logger.With().Str(pkglog.FieldRoomID, ac.RoomID).Str(pkglog.FieldIdentity, self).Logger()

	source := webrtc.NewStaticSource(self)
	constraints := registry.Constraints{Audio: ac.Audio, Video: ac.Video}
	if _, err := source.Acquire(ctx, constraints); err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	var store mic.DecisionStore
	if cfg.MicStatus.URL != "" {
		store = client.NewMicStatusClient(cfg.MicStatus.URL, cfg.MicStatus.Token, cfg.MicStatus.Timeout)
	}

	broadcaster := ac.Broadcaster
	if ac.IsBroadcaster {
		broadcaster = self
	}

	sess, err := session.New(session.Config{
		RoomID:        ac.RoomID,
		Self:          self,
		Broadcaster:   broadcaster,
		IsBroadcaster: ac.IsBroadcaster,
		JoinTimeout:   ac.JoinTimeout,
		PollInterval:  ac.PollInterval,
		Constraints:   constraints,
		Negotiator: negotiator.Config{
			MaxBufferedPerPeer: ac.MaxBufferedPerPeer,
			MaxBufferedPeers:   ac.MaxBufferedPeers,
		},
	}, session.Deps{
		Bus:      b,
		Factory:  webrtc.NewPeerManager(cfg.WebRTC.GetICEServers(), logger),
		Media:    source,
		Store:    store,
		Observer: newLogObserver(logger),
	}, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	unsubscribe := sess.OnMicStatus(func(change domain.StatusChange) {
		logger.Debug().
			Str(pkglog.FieldRequester, change.Requester).
			Str("from", change.From.String()).
			Str("to", change.To.String()).
			Msg("mic status changed")
	})
	defer unsubscribe()

	logger.Info().Bool("broadcaster", ac.IsBroadcaster).Msg("cohost-agent ready, type help for commands")

	g, gctx := errgroup.WithContext(ctx)

	if ac.Audio {
		g.Go(func() error {
			err := source.PlaySilence(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	lines := readLines(os.Stdin)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					// stdin closed; keep serving until a signal arrives
					lines = nil
					continue
				}
				cmdCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
				err := runCommand(cmdCtx, sess, line, os.Stdout)
				cancel()
				if errors.Is(err, errQuit) {
					return errQuit
				}
				if err != nil {
					logger.Warn().Err(err).Str("command", line).Msg("command failed")
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	logger.Info().Msg("leaving room")
	return nil
}

// connectBus builds and connects the configured bus and returns the
// identity this agent is known by on it.
func connectBus(ctx context.Context, cfg *config.Config) (bus.Bus, string, error) {
	logger := pkglog.L()

	switch cfg.Agent.Bus {
	case config.AgentBusWS:
		wb := bus.NewWSBus(cfg.Agent.WS, logger)
		if err := wb.Connect(ctx); err != nil {
			return nil, "", fmt.Errorf("connect relay: %w", err)
		}
		if cfg.Agent.Identity != "" && cfg.Agent.Identity != wb.Identity() {
			logger.Warn().
				Str("configured", cfg.Agent.Identity).
				Str("authenticated", wb.Identity()).
				Msg("relay identity overrides configured identity")
		}
		return wb, wb.Identity(), nil

	case config.AgentBusPubSub, "":
		if cfg.Agent.Identity == "" {
			return nil, "", errors.New("agent.identity is required with the pubsub bus")
		}
		ps, err := pubsub.NewPubSub(cfg.PubSub)
		if err != nil {
			return nil, "", fmt.Errorf("initialize pubsub: %w", err)
		}
		pb := bus.NewPubSubBus(ps, 5*time.Second, logger)
		if err := pb.Connect(ctx); err != nil {
			ps.Close()
			return nil, "", fmt.Errorf("connect pubsub: %w", err)
		}
		return &ownedBus{PubSubBus: pb, ps: ps}, cfg.Agent.Identity, nil

	default:
		return nil, "", fmt.Errorf("unsupported agent bus: %s", cfg.Agent.Bus)
	}
}

// ownedBus closes the broker connection along with the bus.
type ownedBus struct {
	*bus.PubSubBus
	ps pubsub.PubSub
}

func (o *ownedBus) Close() error {
	err := o.PubSubBus.Close()
	if cerr := o.ps.Close(); err == nil {
		err = cerr
	}
	return err
}

// readLines feeds stdin lines into a channel that closes at EOF.
func readLines(f *os.File) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}
