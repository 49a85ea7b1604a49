package config

import "time"

// Backend holds connection settings for the hosted backend.
type Backend struct {
	URL         string `mapstructure:"url" yaml:"url"`
	RealtimeURL string `mapstructure:"realtime_url" yaml:"realtime_url"`
	APIKey      string `mapstructure:"api_key" yaml:"api_key"`
	Email       string `mapstructure:"email" yaml:"email"`
	Password    string `mapstructure:"password" yaml:"password"`
}

// Calls holds call session policy settings.
type Calls struct {
	// RejectBusy refuses a second concurrent session when one is active.
	RejectBusy bool `mapstructure:"reject_busy" yaml:"reject_busy"`
	// RingTimeout cancels an unanswered outgoing call. Zero disables expiry.
	RingTimeout time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
	// ICEServers are STUN/TURN URLs for candidate gathering.
	ICEServers []string `mapstructure:"ice_servers" yaml:"ice_servers"`
}

// Config holds agent configuration values.
type Config struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	HistoryPath     string        `mapstructure:"history_path" yaml:"history_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	Backend         Backend       `mapstructure:"backend" yaml:"backend"`
	Calls           Calls         `mapstructure:"calls" yaml:"calls"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:            "127.0.0.1:7337",
		LogLevel:        "info",
		HistoryPath:     "opsdeck.db",
		ShutdownTimeout: 5 * time.Second,
		Calls: Calls{
			RejectBusy:  true,
			RingTimeout: 0,
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
	}
}
