// README: Client resilience layer; one logical session with backoff reconnect, resubscribe and polling fallback.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"courier/internal/gateway"
	"courier/internal/types"
)

var (
	ErrDisconnected = errors.New("session disconnected")
	ErrNotDriver    = errors.New("only drivers emit telemetry")
)

type Config struct {
	URL            string        `validate:"required,url"`
	Token          string        `validate:"required"`
	Role           types.Role    `validate:"required,oneof=customer driver admin"`
	OrderID        types.ID      // room to (re)join on every connect; optional for admins
	InitialBackoff time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gtefield=InitialBackoff"`
	PollInterval   time.Duration `validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		PollInterval:   15 * time.Second,
	}
}

var validate = validator.New()

func (c Config) Validate() error {
	return validate.Struct(c)
}

// Session keeps at most one live transport. While it is down, read-only
// roles poll the status endpoint; drivers drop telemetry instead of queueing it.
type Session struct {
	cfg    Config
	dialer Dialer
	poller Poller
	events chan gateway.Envelope

	mu         sync.Mutex
	tr         Transport
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	lastPolled string // owned by the running poll loop
}

func NewSession(cfg Config, dialer Dialer, poller Poller) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		cfg:    cfg,
		dialer: dialer,
		poller: poller,
		events: make(chan gateway.Envelope, 64),
	}, nil
}

// Events yields server events and, while disconnected, status changes
// observed by polling. It is closed when Run returns.
func (s *Session) Events() <-chan gateway.Envelope {
	return s.events
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr != nil
}

// Run connects and keeps reconnecting until ctx is done or the server
// terminates the session. Status polling covers gaps after a connection
// drops; a session that has never connected only retries the dial.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.events)
	defer s.stopPolling()

	attempt := 0
	served := false
	for {
		tr, err := s.dialer.Dial(ctx, s.cfg.URL, s.header())
		if err == nil {
			attempt = 0
			served = true
			err = s.serve(ctx, tr)
			if errors.Is(err, ErrTerminated) {
				log.Warn().Str("order_id", string(s.cfg.OrderID)).Msg("session terminated by server")
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if served {
			s.startPolling(ctx)
		}
		delay := Backoff(attempt, s.cfg.InitialBackoff, s.cfg.MaxBackoff)
		attempt++
		log.Debug().Err(err).Dur("delay", delay).Int("attempt", attempt).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.cfg.Token)
	return h
}

func (s *Session) serve(ctx context.Context, tr Transport) error {
	s.stopPolling()

	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.tr = nil
		s.mu.Unlock()
		tr.Close()
	}()
	stop := context.AfterFunc(ctx, func() { tr.Close() })
	defer stop()

	// Membership is not kept server-side across connections.
	if s.cfg.OrderID != "" {
		if err := s.Send(gateway.EventSubscribeOrder, gateway.SubscribePayload{OrderID: string(s.cfg.OrderID)}); err != nil {
			return err
		}
	}
	log.Info().Str("role", string(s.cfg.Role)).Str("order_id", string(s.cfg.OrderID)).Msg("session connected")

	for {
		data, err := tr.ReadMessage()
		if err != nil {
			return err
		}
		var env gateway.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case s.events <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes one event on the live transport.
func (s *Session) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(gateway.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return ErrDisconnected
	}
	return s.tr.WriteMessage(frame)
}

// EmitLocation sends a telemetry sample; while disconnected the sample is
// discarded and ErrDisconnected returned.
func (s *Session) EmitLocation(lat, lng, bearing float64) error {
	if s.cfg.Role != types.RoleDriver {
		return ErrNotDriver
	}
	return s.Send(gateway.EventLocationEmit, gateway.LocationPayload{
		OrderID:   string(s.cfg.OrderID),
		Lat:       &lat,
		Lng:       &lng,
		Bearing:   bearing,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Session) AdvanceOrder(status string) error {
	return s.Send(gateway.EventOrderAdvance, gateway.AdvancePayload{OrderID: string(s.cfg.OrderID), Status: status})
}

func (s *Session) polls() bool {
	return s.poller != nil && s.cfg.OrderID != "" && s.cfg.Role != types.RoleDriver
}

func (s *Session) startPolling(ctx context.Context) {
	if !s.polls() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollCancel != nil {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.pollCancel, s.pollDone = cancel, done
	go s.pollLoop(pctx, done)
}

// stopPolling cancels the fallback poll and waits for it to exit.
func (s *Session) stopPolling() {
	s.mu.Lock()
	cancel, done := s.pollCancel, s.pollDone
	s.pollCancel, s.pollDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Session) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	status, err := s.poller.Status(ctx, s.cfg.OrderID)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).Str("order_id", string(s.cfg.OrderID)).Msg("status poll failed")
		}
		return
	}
	if status == s.lastPolled {
		return
	}
	s.lastPolled = status

	data, err := json.Marshal(gateway.StatusPayload{
		OrderID:   string(s.cfg.OrderID),
		Timestamp: time.Now().UnixMilli(),
		Status:    status,
	})
	if err != nil {
		return
	}
	select {
	case s.events <- gateway.Envelope{Event: gateway.EventStatusUpdated, Data: data}:
	case <-ctx.Done():
	}
}
