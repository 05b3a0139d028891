package adapter

import (
	"fmt"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/surfaceq/api"
	"github.com/srediag/surfaceq/pkg/bufferqueue"
)

// NewHealthHandler builds a healthcheck handler for a consumer:
// liveness fails once the queue is abandoned; readiness additionally
// requires a connected consumer and producer.
func NewHealthHandler(surface string, consumer *bufferqueue.Consumer) healthcheck.Handler {
	h := healthcheck.NewHandler()

	h.AddLivenessCheck(surface+"-not-abandoned", func() error {
		if consumer.GetStats().Abandoned {
			return api.ErrNotInitialized
		}
		return nil
	})

	h.AddReadinessCheck(surface+"-connected", func() error {
		hasConsumer, producerAPI := consumer.IsConnected()
		if !hasConsumer {
			return fmt.Errorf("no consumer connected: %w", api.ErrInvalidOperation)
		}
		if producerAPI == api.APINone {
			return fmt.Errorf("no producer connected: %w", api.ErrInvalidOperation)
		}
		return nil
	})

	return h
}
