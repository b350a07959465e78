// README: Reference client; holds one resilient session and prints every event it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"courier/internal/client"
	"courier/internal/infra"
	"courier/internal/types"
)

type options struct {
	WSURL    string
	APIURL   string
	Token    string
	Role     string
	OrderID  string
	Lat      float64
	Lng      float64
	EmitTick time.Duration
	LogLevel string
}

func main() {
	opts := loadOptions()
	infra.SetupLogger(opts.LogLevel)

	cfg := client.DefaultConfig()
	cfg.URL = opts.WSURL
	cfg.Token = opts.Token
	cfg.Role = types.Role(opts.Role)
	cfg.OrderID = types.ID(opts.OrderID)

	var poller client.Poller
	if opts.APIURL != "" {
		poller = client.NewHTTPPoller(opts.APIURL, opts.Token)
	}
	session, err := client.NewSession(cfg, client.NewWebsocketDialer(), poller)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid client config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go printEvents(ctx, session)
	if cfg.Role == types.RoleDriver && cfg.OrderID != "" {
		go emitLocation(ctx, session, opts)
	}

	err = session.Run(ctx)
	switch {
	case errors.Is(err, client.ErrTerminated):
		log.Error().Msg("server terminated the session; not reconnecting")
		os.Exit(1)
	case err != nil && !errors.Is(err, context.Canceled):
		log.Fatal().Err(err).Msg("session ended")
	}
}

func printEvents(ctx context.Context, s *client.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-s.Events():
			if !ok {
				return
			}
			log.Info().Str("event", env.Event).RawJSON("data", env.Data).Msg("event")
		}
	}
}

// emitLocation replays a fixed position; a real driver app feeds GPS fixes.
func emitLocation(ctx context.Context, s *client.Session, opts options) {
	ticker := time.NewTicker(opts.EmitTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.EmitLocation(opts.Lat, opts.Lng, 0); err != nil {
				log.Debug().Err(err).Msg("location not sent")
			}
		}
	}
}

func loadOptions() options {
	var o options
	flag.StringVar(&o.WSURL, "url", envOrDefault("COURIER_WS_URL", "ws://localhost:8080/ws"), "websocket URL")
	flag.StringVar(&o.APIURL, "api", envOrDefault("COURIER_API_URL", "http://localhost:8080"), "REST base URL for the polling fallback; empty disables polling")
	flag.StringVar(&o.Token, "token", os.Getenv("COURIER_TOKEN"), "bearer token")
	flag.StringVar(&o.Role, "role", envOrDefault("COURIER_ROLE", "customer"), "customer, driver or admin")
	flag.StringVar(&o.OrderID, "order", os.Getenv("COURIER_ORDER_ID"), "order to follow")
	flag.Float64Var(&o.Lat, "lat", 12.9716, "driver latitude")
	flag.Float64Var(&o.Lng, "lng", 77.5946, "driver longitude")
	flag.DurationVar(&o.EmitTick, "emit-every", 5*time.Second, "driver location interval")
	flag.StringVar(&o.LogLevel, "log-level", "info", "log level")
	flag.Parse()
	return o
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
