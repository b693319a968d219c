package blerpc

import "time"

// DefaultNegotiatedTimeout is used when a peripheral never answers the
// TIMEOUT control request during session init.
const DefaultNegotiatedTimeout = 1000 * time.Millisecond

// MinFirstReadTimeout is the floor applied to the first read after a
// transmit, absorbing peripheral processing latency.
const MinFirstReadTimeout = 2000 * time.Millisecond

// DefaultMaxPayloadSize is used when a peripheral never answers the
// CAPABILITIES control request during session init.
const DefaultMaxPayloadSize = 4096

// FirstReadTimeout returns the timeout to use for the first read
// following a transmit, per the session-init negotiated value.
func FirstReadTimeout(negotiated time.Duration) time.Duration {
	if negotiated > MinFirstReadTimeout {
		return negotiated
	}
	return MinFirstReadTimeout
}

// Config is the per-peer configuration surface named in the external
// interfaces section: whether encryption is mandatory, payload bounds, and
// the firmware-side cap on an upload/download stream's message count.
type Config struct {
	RequireEncryption     bool
	MaxPayloadSize        uint32
	MaxCounterStreamCount uint32
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithRequireEncryption sets whether a live encrypted session is mandatory
// before unary/streaming RPCs are permitted.
func WithRequireEncryption(require bool) Option {
	return func(c *Config) { c.RequireEncryption = require }
}

// WithMaxPayloadSize bounds the request/response payload size this peer
// will construct or accept.
func WithMaxPayloadSize(size uint32) Option {
	return func(c *Config) { c.MaxPayloadSize = size }
}

// WithMaxCounterStreamCount sets Config.MaxCounterStreamCount, the
// firmware-side stream message cap (≤ 10,000). The central and peripheral
// in this module carry the value but do not enforce it.
func WithMaxCounterStreamCount(count uint32) Option {
	return func(c *Config) { c.MaxCounterStreamCount = count }
}

// DefaultConfig returns the conservative default: encryption required,
// a 4KB payload bound, and firmware's 10,000-message stream cap.
func DefaultConfig(opts ...Option) Config {
	c := Config{
		RequireEncryption:     true,
		MaxPayloadSize:        DefaultMaxPayloadSize,
		MaxCounterStreamCount: 10000,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
