package api

// ConsumerListener receives frame notifications from the queue. All
// callbacks are invoked with no queue lock held; implementations may
// re-enter any endpoint.
type ConsumerListener interface {
	// OnFrameAvailable is called once per producer queue operation that
	// appended a new fifo entry. Items arrive in strictly increasing
	// frame-number order.
	OnFrameAvailable(item BufferItem)

	// OnFrameReplaced is called when an async-mode producer overwrote
	// the pending fifo entry instead of appending.
	OnFrameReplaced(item BufferItem)

	// OnBuffersReleased signals that GetReleasedBuffers should be
	// polled to refresh cached slot-to-buffer mappings.
	OnBuffersReleased()

	// OnSidebandStreamChanged signals that the sideband stream handle
	// changed. Sideband frames bypass the fifo entirely.
	OnSidebandStreamChanged()
}

// ProducerListener receives buffer lifecycle notifications on the
// producer side. Called with no queue lock held.
type ProducerListener interface {
	// OnBufferReleased is called once per consumer release or drop.
	OnBufferReleased()
}
