package rc

import "fmt"

// Config holds the tunables of an RC verbs interface.
type Config struct {
	// SegSize is the receive segment size, transport header included.
	SegSize int
	// RxQueueLen is the depth of the shared receive queue.
	RxQueueLen int
	// RxMaxBatch is the number of receives posted per replenish.
	RxMaxBatch int
	// RxMaxPoll bounds receive completions handled per progress call.
	RxMaxPoll int
	// RxMaxBufs caps the receive pool. Zero means unlimited.
	RxMaxBufs int
	// RxBufsGrow is the number of receive buffers registered per chunk.
	RxBufsGrow int
	// TxQPLen is the send queue depth and the per-endpoint credit.
	TxQPLen int
	// TxCQLen is the send completion queue depth.
	TxCQLen int
	// TxMaxPoll bounds send completions handled per progress call.
	TxMaxPoll int
	// TxModeration is the maximum run of sends that request no completion.
	TxModeration int
	// MaxInline is the inline size requested when creating queue pairs.
	MaxInline int
	// MaxAMHdr reserves room for active message headers in short
	// descriptors. Zero disables zero-copy active messages.
	MaxAMHdr int
}

// DefaultConfig returns the default interface configuration.
func DefaultConfig() Config {
	return Config{
		SegSize:      8192,
		RxQueueLen:   1024,
		RxMaxBatch:   64,
		RxMaxPoll:    16,
		RxMaxBufs:    0,
		RxBufsGrow:   256,
		TxQPLen:      256,
		TxCQLen:      4096,
		TxMaxPoll:    16,
		TxModeration: 64,
		MaxInline:    128,
		MaxAMHdr:     128,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch {
	case c.SegSize <= rcHdrSize:
		return fmt.Errorf("%w: segment size %d must exceed the %d byte header", ErrInvalidConfig, c.SegSize, rcHdrSize)
	case c.RxQueueLen <= 0:
		return fmt.Errorf("%w: rx queue length must be positive", ErrInvalidConfig)
	case c.RxMaxBatch <= 0 || c.RxMaxBatch > c.RxQueueLen:
		return fmt.Errorf("%w: rx batch %d must be in [1, %d]", ErrInvalidConfig, c.RxMaxBatch, c.RxQueueLen)
	case c.RxMaxPoll <= 0 || c.TxMaxPoll <= 0:
		return fmt.Errorf("%w: poll limits must be positive", ErrInvalidConfig)
	case c.RxMaxBufs < 0 || c.RxBufsGrow < 0:
		return fmt.Errorf("%w: rx buffer limits must not be negative", ErrInvalidConfig)
	case c.TxQPLen <= 0 || c.TxCQLen <= 0:
		return fmt.Errorf("%w: tx queue lengths must be positive", ErrInvalidConfig)
	case c.TxModeration <= 0 || c.TxModeration > c.TxQPLen:
		return fmt.Errorf("%w: tx moderation %d must be in [1, %d]", ErrInvalidConfig, c.TxModeration, c.TxQPLen)
	case c.MaxInline < 0 || c.MaxAMHdr < 0:
		return fmt.Errorf("%w: inline and header sizes must not be negative", ErrInvalidConfig)
	}

	return nil
}
