package link

import "time"

// Policy bounds reconnection after an unexpected close.
type Policy struct {
	// MaxAttempts is the number of reconnect attempts before the link fails.
	MaxAttempts int
	// BaseDelay and MaxDelay shape the backoff: attempt k waits
	// min(BaseDelay * 2^k, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// DialTimeout bounds a single dial. Zero means no extra bound.
	DialTimeout time.Duration
	// ReadyOnOpen treats a successful dial as the peer's readiness signal
	// instead of waiting for STATUS/CONNECTION_ACTIVE. Older daemons never send it.
	ReadyOnOpen bool
}

// DefaultPolicy matches the reference daemon client: 5 attempts, 1s base, 10s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		DialTimeout: 5 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt k (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	if d <= 0 {
		return 0
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
