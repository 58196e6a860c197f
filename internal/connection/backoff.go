package connection

import "time"

// Config controls reconnection and heartbeat timing.
type Config struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	SlowRetryInterval time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
}

func (c *Config) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.SlowRetryInterval == 0 {
		c.SlowRetryInterval = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// retryDelay returns the wait before reconnect attempt number attempt
// (0-based): exponential and capped for the first MaxAttempts, then the
// slow-retry interval forever.
func (c Config) retryDelay(attempt int) time.Duration {
	if attempt >= c.MaxAttempts {
		return c.SlowRetryInterval
	}
	d := c.BaseDelay
	for i := 0; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	return min(d, c.MaxDelay)
}
