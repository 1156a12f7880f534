// Package config holds all call-subsystem configuration.
package config

import "time"

// Config holds tunables for the call orchestration client.
type Config struct {
	// Backend endpoints
	APIBaseURL   string
	SignalingURL string

	// Public STUN servers used unconditionally; TURN is layered on top
	// when fresh credentials are available.
	STUNURLs []string

	// Call lifecycle
	NoAnswerTimeout      time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	// Encrypted on-disk fallback for relay credentials. Empty path
	// disables the cache.
	CredentialCachePath string
	CredentialCacheKey  string

	Media MediaConfig
}

// MediaConfig bounds local capture.
type MediaConfig struct {
	VideoWidth     int
	VideoHeight    int
	VideoFramerate float64
	VideoBitRate   int
	AudioBitRate   int
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		APIBaseURL:   "https://api.mirra.social",
		SignalingURL: "wss://api.mirra.social/ws",
		STUNURLs: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		NoAnswerTimeout:      30 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       2 * time.Second,
		Media: MediaConfig{
			VideoWidth:     640,
			VideoHeight:    480,
			VideoFramerate: 20,
			VideoBitRate:   500_000,
			AudioBitRate:   32_000,
		},
	}
}
