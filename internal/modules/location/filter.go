// README: Telemetry filter; speed-sanity check between consecutive accepted samples.
package location

import (
	"time"

	"courier/internal/shard"
)

// SpeedKmh derives the speed needed to move from prev to next. ok is false
// when the samples are not strictly ordered in server time but still moved.
func SpeedKmh(prev, next Sample) (kmh float64, ok bool) {
	dist := haversineKm(prev.Position.Lat, prev.Position.Lng, next.Position.Lat, next.Position.Lng)
	if dist == 0 {
		return 0, true
	}
	elapsed := next.ReceivedAt.Sub(prev.ReceivedAt)
	if elapsed <= 0 {
		return 0, false
	}
	return dist / elapsed.Hours(), true
}

// Plausible reports whether next can follow prev without exceeding maxKmh.
func Plausible(prev, next Sample, maxKmh float64) bool {
	kmh, ok := SpeedKmh(prev, next)
	return ok && kmh <= maxKmh
}

// Tracker holds the most recent accepted sample per driver, the reference
// point for the speed check.
type Tracker struct {
	last   *shard.Map[Sample]
	maxKmh float64
}

func NewTracker(maxKmh float64) *Tracker {
	return &Tracker{last: shard.New[Sample](shard.DefaultShards), maxKmh: maxKmh}
}

// Accept checks next against the driver's reference point and, if plausible,
// makes it the new reference. A rejected outlier leaves the reference untouched.
func (t *Tracker) Accept(next Sample) error {
	var err error
	t.last.Update(string(next.DriverID), func(prev Sample, ok bool) (Sample, bool) {
		if ok && !Plausible(prev, next, t.maxKmh) {
			err = ErrImplausibleMovement
			return prev, true
		}
		return next, true
	})
	return err
}

func (t *Tracker) Last(driverID string) (Sample, bool) {
	return t.last.Get(driverID)
}

func (t *Tracker) Forget(driverID string) {
	t.last.Delete(driverID)
}

// Sweep drops reference points older than ttl.
func (t *Tracker) Sweep(now time.Time, ttl time.Duration) int {
	return t.last.Sweep(func(_ string, s Sample) bool {
		return now.Sub(s.ReceivedAt) > ttl
	})
}
