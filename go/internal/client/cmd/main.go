package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Jorewin/planning-poker/go/clients/jsonrpc"
	"github.com/Jorewin/planning-poker/go/internal/config"
	"github.com/Jorewin/planning-poker/go/internal/engine"
	"github.com/Jorewin/planning-poker/go/internal/events"
	"github.com/Jorewin/planning-poker/go/internal/gateway"
	"github.com/Jorewin/planning-poker/go/internal/identity"
	"github.com/Jorewin/planning-poker/go/internal/pointer"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("POKER_CONFIG"), "path to a YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	// Logs go to stderr so they don't interleave with the prompt on stdout.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	level, _ := cfg.Level()
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, closeEvents := setupEvents(cfg.Events)
	busCtx, stopBus := context.WithCancel(context.Background())
	go bus.Run(busCtx)

	holder := identity.NewHolder()
	if cfg.User != "" {
		holder.Set(cfg.User)
	}

	rpc := jsonrpc.NewClient(cfg.Endpoint, &http.Client{Timeout: cfg.RequestTimeout})
	rpc.SetPath(cfg.RPCPath)

	eng := engine.New(gateway.NewClient(rpc), pointer.NewFileStore(cfg.StateFile), holder, engine.Options{
		PollInterval:   cfg.PollInterval,
		RequestTimeout: cfg.RequestTimeout,
		Emitter:        bus,
		NotFound:       gateway.IsNotFound,
	})

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("state_file", cfg.StateFile).
		Dur("poll_interval", cfg.PollInterval).
		Msg("starting planning poker client")

	eng.Start(ctx)

	r := &repl{engine: eng, holder: holder, out: os.Stdout}
	if err := r.Run(ctx, os.Stdin); err != nil {
		log.Error().Err(err).Msg("client stopped")
	}

	eng.Close()
	stopBus()
	<-bus.Done()
	closeEvents()
}

// setupEvents always logs events and also publishes them to JetStream when a
// NATS URL is configured. A NATS failure downgrades to log-only.
func setupEvents(cfg config.EventsConfig) (*events.Bus, func()) {
	publishers := events.MultiPublisher{events.NewLogPublisher()}
	closeFn := func() {}

	if cfg.NATSURL != "" {
		js := events.DefaultJetStreamConfig()
		js.URL = cfg.NATSURL
		js.StreamName = cfg.Stream
		js.SubjectPrefix = cfg.SubjectPrefix

		pub, err := events.NewJetStreamPublisher(js)
		if err != nil {
			log.Warn().Err(err).Str("nats_url", cfg.NATSURL).Msg("JetStream unavailable, events go to the log only")
		} else {
			publishers = append(publishers, pub)
			closeFn = func() {
				if err := pub.Close(); err != nil {
					log.Error().Err(err).Msg("failed to close JetStream publisher")
				}
			}
		}
	}

	return events.NewBus(publishers, cfg.Buffer), closeFn
}
