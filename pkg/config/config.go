// Package config reads orchestrator settings from viper.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Settings holds everything the orchestrator reads from configuration.
// Database settings are read by the database package itself.
type Settings struct {
	PollInterval  time.Duration
	Concurrency   int
	MaxAttempts   int
	SlowThreshold time.Duration
	ProbeTimeout  time.Duration
	OriginScheme  string

	// Transport is an outline-sdk transport config; empty dials directly.
	Transport       string
	// Address overrides the host:port every request connects to.
	Address         string
	FollowRedirects bool

	// Parameters are passed to the controller's Configure before a run.
	Parameters map[string]any
	// ServerList is a URL or a local JSON/YAML file.
	ServerList string

	ServeAddr string
}

// SetDefaults registers the default of every key Load reads.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("controller.poll_interval", 200*time.Millisecond)
	v.SetDefault("selector.concurrency", 6)
	v.SetDefault("selector.max_attempts", 3)
	v.SetDefault("selector.slow_threshold", 500*time.Millisecond)
	v.SetDefault("probe.timeout", 2000*time.Millisecond)
	v.SetDefault("probe.origin_scheme", "https")
	v.SetDefault("transport", "")
	v.SetDefault("fetch.address", "")
	v.SetDefault("fetch.follow_redirects", false)
	v.SetDefault("serve.addr", ":8080")
}

func Load(v *viper.Viper) Settings {
	SetDefaults(v)

	s := Settings{
		PollInterval:    v.GetDuration("controller.poll_interval"),
		Concurrency:     v.GetInt("selector.concurrency"),
		MaxAttempts:     v.GetInt("selector.max_attempts"),
		SlowThreshold:   v.GetDuration("selector.slow_threshold"),
		ProbeTimeout:    v.GetDuration("probe.timeout"),
		OriginScheme:    v.GetString("probe.origin_scheme"),
		Transport:       v.GetString("transport"),
		Address:         v.GetString("fetch.address"),
		FollowRedirects: v.GetBool("fetch.follow_redirects"),
		Parameters:      v.GetStringMap("test.parameters"),
		ServerList:      v.GetString("test.server_list"),
		ServeAddr:       v.GetString("serve.addr"),
	}

	if s.PollInterval <= 0 {
		s.PollInterval = 200 * time.Millisecond
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 6
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	return s
}
