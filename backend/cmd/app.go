package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	httpServer "github.com/adwski/collab-canvas/backend/server/http"
	websocketServer "github.com/adwski/collab-canvas/backend/server/websocket"
	"github.com/adwski/collab-canvas/backend/service"
	store "github.com/adwski/collab-canvas/backend/storage/memory"
	sw "github.com/adwski/collab-canvas/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", ":8080", "room monitoring api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", ":8888", "websocket collaboration listen address")
		logLevel        = fs.StringP("log-level", "l", "debug", "log level")
		maxParticipants = fs.Int("max-participants", store.DefaultMaxParticipants, "maximum participants per room")
		reconnectPolicy = fs.String("reconnect-policy", string(sw.ReconnectReplace),
			"what to do when connected user connects again: replace or reject")
		pingInterval = fs.Duration("ping-interval", 0, "websocket ping interval (0 for default)")
		pongWait     = fs.Duration("pong-wait", 0, "how long to wait for any client frame before dropping it (0 for default)")
		sendTimeout  = fs.Duration("send-timeout", 0, "how long delivery may wait for slow connection (0 for default)")
		sendBuffer   = fs.Int("send-buffer", 0, "outgoing envelopes buffered per connection (0 for default)")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	policy, err := sw.ParseReconnectPolicy(*reconnectPolicy)
	if err != nil {
		logger.Fatal().Err(err).Str("policy", *reconnectPolicy).Msg("invalid reconnect policy")
	}

	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(*maxParticipants),
		Switch: sw.NewSwitch(sw.Config{
			Logger:      &logger,
			Policy:      policy,
			SendTimeout: *sendTimeout,
		}),
		Logger: &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		RoomService:  svc,
		ListenAddr:   *wsListenAddr,
		PingInterval: *pingInterval,
		PongWait:     *pongWait,
		SendBuffer:   *sendBuffer,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
