package config

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad(t *testing.T) {
	testCases := []struct {
		name     string
		yaml     string
		expected Settings
	}{
		{
			name: "Defaults",
			yaml: "",
			expected: Settings{
				PollInterval:  200 * time.Millisecond,
				Concurrency:   6,
				MaxAttempts:   3,
				SlowThreshold: 500 * time.Millisecond,
				ProbeTimeout:  2 * time.Second,
				OriginScheme:  "https",
				Parameters:    map[string]any{},
				ServeAddr:     ":8080",
			},
		},
		{
			name: "Overrides",
			yaml: `
controller:
  poll_interval: 50ms
selector:
  concurrency: 2
  max_attempts: 1
  slow_threshold: 1s
probe:
  timeout: 3s
  origin_scheme: "http:"
transport: "socks5://localhost:1080"
fetch:
  address: 10.0.0.2:443
  follow_redirects: true
test:
  server_list: https://example.com/servers.json
  parameters:
    time_dl_max: 5
    test_order: DU
serve:
  addr: 127.0.0.1:9000
`,
			expected: Settings{
				PollInterval:    50 * time.Millisecond,
				Concurrency:     2,
				MaxAttempts:     1,
				SlowThreshold:   time.Second,
				ProbeTimeout:    3 * time.Second,
				OriginScheme:    "http:",
				Transport:       "socks5://localhost:1080",
				Address:         "10.0.0.2:443",
				FollowRedirects: true,
				Parameters:      map[string]any{"time_dl_max": 5, "test_order": "DU"},
				ServerList:      "https://example.com/servers.json",
				ServeAddr:       "127.0.0.1:9000",
			},
		},
		{
			name: "Non-positive values fall back",
			yaml: `
controller:
  poll_interval: 0s
selector:
  concurrency: -1
  max_attempts: 0
`,
			expected: Settings{
				PollInterval:  200 * time.Millisecond,
				Concurrency:   6,
				MaxAttempts:   3,
				SlowThreshold: 500 * time.Millisecond,
				ProbeTimeout:  2 * time.Second,
				OriginScheme:  "https",
				Parameters:    map[string]any{},
				ServeAddr:     ":8080",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := viper.New()
			v.SetConfigType("yaml")
			if err := v.ReadConfig(strings.NewReader(tc.yaml)); err != nil {
				t.Fatalf("ReadConfig() error = %v", err)
			}

			got := Load(v)
			if !reflect.DeepEqual(got, tc.expected) {
				t.Errorf("Load() = %+v, want %+v", got, tc.expected)
			}
		})
	}
}
