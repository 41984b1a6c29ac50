package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Settings are the keys of the start payload the worker understands.
// Unknown keys are ignored.
type Settings struct {
	URLDownload string `json:"url_dl"`
	URLUpload   string `json:"url_ul"`
	URLPing     string `json:"url_ping"`
	URLGetIP    string `json:"url_getIp"`

	// TestOrder runs I (IP lookup), D (download), P (ping/jitter),
	// U (upload) and _ (pause) in the given order.
	TestOrder string `json:"test_order"`

	TimeDownloadMax float64 `json:"time_dl_max"`
	TimeUploadMax   float64 `json:"time_ul_max"`
	TimePause       float64 `json:"time_pause"`
	CountPing       int     `json:"count_ping"`

	DownloadStreams int `json:"xhr_dlMultistream"`
	UploadStreams   int `json:"xhr_ulMultistream"`
	ChunkSizeMB     int `json:"garbagePhp_chunkSize"`
	UploadBlobMB    int `json:"xhr_ul_blob_megabytes"`

	OverheadCompensation  float64 `json:"overheadCompensationFactor"`
	DownloadRateLimitMbps float64 `json:"dl_rate_limit_mbps"`
	UploadRateLimitMbps   float64 `json:"ul_rate_limit_mbps"`

	TestID string `json:"test_id"`
}

func DefaultSettings() Settings {
	return Settings{
		URLDownload:          "garbage.php",
		URLUpload:            "empty.php",
		URLPing:              "empty.php",
		URLGetIP:             "getIP.php",
		TestOrder:            "IDPU",
		TimeDownloadMax:      15,
		TimeUploadMax:        15,
		TimePause:            1,
		CountPing:            10,
		DownloadStreams:      6,
		UploadStreams:        3,
		ChunkSizeMB:          100,
		UploadBlobMB:         20,
		OverheadCompensation: 1.06,
	}
}

// ParseSettings decodes a start payload over DefaultSettings. Values of the
// wrong type are ignored and keep their default; malformed JSON is an error.
func ParseSettings(payload string) (Settings, error) {
	s := DefaultSettings()
	if payload == "" {
		return s, nil
	}
	// json skips fields of the wrong type and keeps decoding the rest
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
		}
	}
	s.clamp()
	return s, nil
}

func (s *Settings) clamp() {
	d := DefaultSettings()
	if s.TimeDownloadMax <= 0 {
		s.TimeDownloadMax = d.TimeDownloadMax
	}
	if s.TimeUploadMax <= 0 {
		s.TimeUploadMax = d.TimeUploadMax
	}
	if s.TimePause < 0 {
		s.TimePause = 0
	}
	if s.CountPing <= 0 {
		s.CountPing = d.CountPing
	}
	if s.DownloadStreams <= 0 {
		s.DownloadStreams = d.DownloadStreams
	}
	if s.UploadStreams <= 0 {
		s.UploadStreams = d.UploadStreams
	}
	if s.ChunkSizeMB <= 0 {
		s.ChunkSizeMB = d.ChunkSizeMB
	}
	if s.UploadBlobMB <= 0 {
		s.UploadBlobMB = d.UploadBlobMB
	}
	if s.OverheadCompensation <= 0 {
		s.OverheadCompensation = d.OverheadCompensation
	}
}

func (s Settings) DownloadDuration() time.Duration { return seconds(s.TimeDownloadMax) }
func (s Settings) UploadDuration() time.Duration   { return seconds(s.TimeUploadMax) }
func (s Settings) PauseDuration() time.Duration    { return seconds(s.TimePause) }

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
