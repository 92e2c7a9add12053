package circuitbreaker

import "time"

// Settings configures a Breaker. Zero fields take defaults.
type Settings struct {
	// HalfOpenRequests caps trial calls admitted while half-open.
	HalfOpenRequests uint32 `mapstructure:"half_open_requests" yaml:"half_open_requests"`
	// Interval clears the closed-state counters; zero keeps them forever.
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold" yaml:"success_threshold"`
}

// DefaultSettings matches the defaults used for upstream HTTP services.
func DefaultSettings() Settings {
	return Settings{
		HalfOpenRequests: 5,
		Interval:         30 * time.Second,
		OpenTimeout:      15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = d.HalfOpenRequests
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = d.OpenTimeout
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.Interval < 0 {
		s.Interval = 0
	}
	return s
}
