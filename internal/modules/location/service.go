// README: Location ingest pipeline: role, rate limit, assignment, schema, speed sanity.
package location

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"courier/internal/config"
	"courier/internal/metrics"
	"courier/internal/types"
)

// Authorizer confirms a driver holds a current, non-terminal assignment.
type Authorizer interface {
	DriverAssigned(ctx context.Context, orderID, driverID types.ID) (bool, error)
}

type Service struct {
	limiter   *Limiter
	auth      Authorizer
	tracker   *Tracker
	sampleTTL time.Duration
	now       func() time.Time
}

func NewService(cfg config.IngestConfig, auth Authorizer, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		limiter:   NewLimiter(cfg.RateLimit, cfg.RateWindow, now),
		auth:      auth,
		tracker:   NewTracker(cfg.MaxSpeedKmh),
		sampleTTL: cfg.SampleTTL,
		now:       now,
	}
}

// Ingest runs the pipeline and short-circuits on the first rejection. On
// success the returned sample is the sanitized, server-stamped reference point
// the caller fans out.
func (s *Service) Ingest(ctx context.Context, id types.Identity, raw RawSample) (Sample, error) {
	sample, err := s.ingest(ctx, id, raw)
	metrics.IngestTotal.WithLabelValues(Reason(err)).Inc()
	if err != nil {
		log.Debug().
			Err(err).
			Str("driver_id", string(id.ID)).
			Str("order_id", string(raw.OrderID)).
			Msg("location sample rejected")
	}
	return sample, err
}

func (s *Service) ingest(ctx context.Context, id types.Identity, raw RawSample) (Sample, error) {
	if id.Role != types.RoleDriver {
		return Sample{}, ErrWrongRole
	}
	if !s.limiter.Allow(string(id.ID)) {
		return Sample{}, ErrRateLimited
	}
	if raw.OrderID == "" {
		return Sample{}, ErrInvalidPayload
	}
	assigned, err := s.auth.DriverAssigned(ctx, raw.OrderID, id.ID)
	if err != nil {
		return Sample{}, err
	}
	if !assigned {
		return Sample{}, ErrNotAssigned
	}

	pos := types.Point{Lat: raw.Lat, Lng: raw.Lng}
	if !pos.Valid() || math.IsNaN(raw.Bearing) || math.IsInf(raw.Bearing, 0) {
		return Sample{}, ErrInvalidPayload
	}

	sample := Sample{
		DriverID:        id.ID,
		OrderID:         raw.OrderID,
		Position:        pos,
		Bearing:         normalizeBearing(raw.Bearing),
		ClientTimestamp: raw.Timestamp,
		ReceivedAt:      s.now(),
	}
	if err := s.tracker.Accept(sample); err != nil {
		return Sample{}, err
	}
	return sample, nil
}

// Forget drops a driver's reference point, e.g. when its assignment ends.
func (s *Service) Forget(driverID types.ID) {
	s.tracker.Forget(string(driverID))
}

// RunSweeper expires idle rate-limit windows and stale reference points.
func (s *Service) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			windows := s.limiter.Sweep()
			samples := s.tracker.Sweep(s.now(), s.sampleTTL)
			if windows+samples > 0 {
				log.Debug().Int("windows", windows).Int("samples", samples).Msg("location sweep")
			}
		}
	}
}
