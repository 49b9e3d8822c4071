package webhook

import "time"

// Config holds settings for outbound webhook delivery.
type Config struct {
	// Timeout is the per-request timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// CircuitFailureThreshold opens a host's circuit after this many consecutive failures
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold" json:"circuit_failure_threshold"`
	// CircuitReset is the duration after which the circuit attempts to half-open
	CircuitReset time.Duration `yaml:"circuit_reset" json:"circuit_reset"`
	// UserAgent is sent with every delivery
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// AllowPrivate permits loopback and private receivers. Development only.
	AllowPrivate bool `yaml:"allow_private" json:"allow_private"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:                 5 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitReset:            time.Minute,
		UserAgent:               "terrace-webhook/1",
	}
}
