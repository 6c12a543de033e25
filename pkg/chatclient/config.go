package chatclient

import "time"

// Config carries every tunable of the runtime. Zero values are replaced by
// the defaults below, so a Config{GatewayURL: ...} is a working configuration.
type Config struct {
	GatewayURL string
	Token      string
	Scopes     []string

	SendTimeout      time.Duration
	HealthTimeout    time.Duration
	HistoryTimeout   time.Duration
	HandshakeTimeout time.Duration
	HistoryLimit     int

	// Outbox retry backoff: min(OutboxMaxDelay, OutboxBaseDelay * 2^(n-1)).
	OutboxBaseDelay time.Duration
	OutboxMaxDelay  time.Duration

	// Auto-reconnect after an unexpected drop.
	ReconnectBaseDelay     time.Duration
	ReconnectMaxDelay      time.Duration
	MaxAutoConnectAttempts int

	// Session history sync retry chain.
	SyncRetryInitialDelay time.Duration
	SyncRetryBaseDelay    time.Duration
	SyncRetryMaxAttempts  int

	// Missing-response recovery chain (exponential).
	MissingRecoveryInitialDelay time.Duration
	MissingRecoveryBaseDelay    time.Duration
	MissingRecoveryMaxAttempts  int

	// Final-response recovery chain (fixed increment: base * attempt).
	FinalRecoveryBaseDelay   time.Duration
	FinalRecoveryMaxAttempts int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.fillDefaults()
	return cfg
}

func (c *Config) fillDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 200
	}
	if c.OutboxBaseDelay <= 0 {
		c.OutboxBaseDelay = 1800 * time.Millisecond
	}
	if c.OutboxMaxDelay <= 0 {
		c.OutboxMaxDelay = 20 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxAutoConnectAttempts <= 0 {
		c.MaxAutoConnectAttempts = 6
	}
	if c.SyncRetryInitialDelay <= 0 {
		c.SyncRetryInitialDelay = 800 * time.Millisecond
	}
	if c.SyncRetryBaseDelay <= 0 {
		c.SyncRetryBaseDelay = 2 * time.Second
	}
	if c.SyncRetryMaxAttempts <= 0 {
		c.SyncRetryMaxAttempts = 5
	}
	if c.MissingRecoveryInitialDelay <= 0 {
		c.MissingRecoveryInitialDelay = 1200 * time.Millisecond
	}
	if c.MissingRecoveryBaseDelay <= 0 {
		c.MissingRecoveryBaseDelay = 2500 * time.Millisecond
	}
	if c.MissingRecoveryMaxAttempts <= 0 {
		c.MissingRecoveryMaxAttempts = 4
	}
	if c.FinalRecoveryBaseDelay <= 0 {
		c.FinalRecoveryBaseDelay = 1500 * time.Millisecond
	}
	if c.FinalRecoveryMaxAttempts <= 0 {
		c.FinalRecoveryMaxAttempts = 3
	}
}

// backoffDelay is the shared exponential shape: min(max, base * 2^(attempt-1)).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
