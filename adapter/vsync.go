package adapter

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/surfaceq/pkg/fence"
)

// FixedRateDispSync is a display-sync estimator for a fixed refresh
// rate: expected present is the next period boundary after now, plus
// the presentation latency of the display pipeline.
type FixedRateDispSync struct {
	// Epoch anchors the vsync phase, Period is the refresh interval,
	// both in monotonic nanoseconds.
	Epoch   int64
	Period  int64
	Latency int64

	// Now supplies the monotonic clock; nil uses the wall clock.
	Now func() int64
}

func (d *FixedRateDispSync) ExpectedPresent() int64 {
	now := time.Now().UnixNano()
	if d.Now != nil {
		now = d.Now()
	}
	if d.Period <= 0 {
		return now + d.Latency
	}
	elapsed := now - d.Epoch
	periods := elapsed/d.Period + 1
	return d.Epoch + periods*d.Period + d.Latency
}

// AwaitPresent polls a present fence with exponential backoff until it
// signals or maxElapsed passes, returning the signal time. The
// hardware composer exposes present completion only as a fence, and
// polling cadence matters less than not busy-waiting.
func AwaitPresent(f fence.Fence, maxElapsed time.Duration) (int64, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Microsecond
	bo.MaxInterval = 2 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed

	var signalTime int64
	op := func() error {
		ts := f.SignalTime()
		if ts == fence.SignalTimePending {
			return fence.ErrWaitTimeout
		}
		signalTime = ts
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return fence.SignalTimePending, err
	}
	return signalTime, nil
}
