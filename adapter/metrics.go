// Package adapter integrates the buffer exchange with external
// operational systems: prometheus metrics, otel instrumentation,
// health endpoints and display-sync estimation.
package adapter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/surfaceq/pkg/bufferqueue"
)

// QueueCollector exports one consumer's occupancy counters as
// prometheus metrics, labeled by surface name.
type QueueCollector struct {
	consumer *bufferqueue.Consumer

	fifoDepth    *prometheus.Desc
	acquired     *prometheus.Desc
	freeBuffers  *prometheus.Desc
	freeSlots    *prometheus.Desc
	droppedTotal *prometheus.Desc
	framesQueued *prometheus.Desc
}

// NewQueueCollector builds a collector for consumer. Register it with
// a prometheus.Registerer.
func NewQueueCollector(surface string, consumer *bufferqueue.Consumer) *QueueCollector {
	labels := prometheus.Labels{"surface": surface}
	return &QueueCollector{
		consumer: consumer,
		fifoDepth: prometheus.NewDesc("surfaceq_fifo_depth",
			"Frames pending acquire.", nil, labels),
		acquired: prometheus.NewDesc("surfaceq_acquired_buffers",
			"Slots currently owned by the consumer.", nil, labels),
		freeBuffers: prometheus.NewDesc("surfaceq_free_buffers",
			"Free slots with a resident buffer.", nil, labels),
		freeSlots: prometheus.NewDesc("surfaceq_free_slots",
			"Free slots without a buffer.", nil, labels),
		droppedTotal: prometheus.NewDesc("surfaceq_dropped_frames_total",
			"Frames skipped by the acquire drop loop.", nil, labels),
		framesQueued: prometheus.NewDesc("surfaceq_queued_frames_total",
			"Frames ever queued by the producer.", nil, labels),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.fifoDepth
	ch <- c.acquired
	ch <- c.freeBuffers
	ch <- c.freeSlots
	ch <- c.droppedTotal
	ch <- c.framesQueued
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.consumer.GetStats()
	ch <- prometheus.MustNewConstMetric(c.fifoDepth, prometheus.GaugeValue, float64(st.FifoLen))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(st.AcquiredCount))
	ch <- prometheus.MustNewConstMetric(c.freeBuffers, prometheus.GaugeValue, float64(st.FreeBufferCount))
	ch <- prometheus.MustNewConstMetric(c.freeSlots, prometheus.GaugeValue, float64(st.FreeSlotCount))
	ch <- prometheus.MustNewConstMetric(c.droppedTotal, prometheus.CounterValue, float64(st.DroppedTotal))
	ch <- prometheus.MustNewConstMetric(c.framesQueued, prometheus.CounterValue, float64(st.FrameCounter))
}
