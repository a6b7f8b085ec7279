package middleware

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig holds the sliding window thresholds for one connection.
type RateLimitConfig struct {
	MessageLimit int
	Window       time.Duration
	MaxAudioKB   float64
}

// DefaultRateLimitConfig returns the default thresholds.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MessageLimit: 50,
		Window:       5 * time.Second,
		MaxAudioKB:   500,
	}
}

// Limit kinds reported by RateLimitError.
const (
	LimitMessages = "messages"
	LimitAudio    = "audio"
)

// RateLimitError reports which window was exceeded.
type RateLimitError struct {
	Kind    string
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

type audioSample struct {
	at time.Time
	kb float64
}

// ConnLimiter tracks message and audio volume windows for a single
// connection. Its state is discarded with the connection.
type ConnLimiter struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	messages []time.Time
	audio    []audioSample
	now      func() time.Time
}

// NewConnLimiter creates a limiter for one connection.
func NewConnLimiter(cfg RateLimitConfig) *ConnLimiter {
	return &ConnLimiter{cfg: cfg, now: time.Now}
}

// SetClock overrides the time source.
func (l *ConnLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// AllowMessage records a message and checks the message window.
// Denied messages still count toward the window.
func (l *ConnLimiter) AllowMessage() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)
	l.messages = append(l.messages, now)

	recent := l.messages[:0]
	for _, t := range l.messages {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	l.messages = recent

	if len(l.messages) > l.cfg.MessageLimit {
		return &RateLimitError{
			Kind:    LimitMessages,
			Message: fmt.Sprintf("Rate limit exceeded: Max %d messages per %s seconds", l.cfg.MessageLimit, windowSeconds(l.cfg.Window)),
		}
	}
	return nil
}

// AllowAudio records the decoded size of an audio chunk and checks the audio
// volume window. Chunks that are not valid base64 are not counted here.
func (l *ConnLimiter) AllowAudio(audioBase64 string) error {
	data, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)
	l.audio = append(l.audio, audioSample{at: now, kb: float64(len(data)) / 1024})

	recent := l.audio[:0]
	var total float64
	for _, s := range l.audio {
		if s.at.After(cutoff) {
			recent = append(recent, s)
			total += s.kb
		}
	}
	l.audio = recent

	if total > l.cfg.MaxAudioKB {
		return &RateLimitError{
			Kind:    LimitAudio,
			Message: fmt.Sprintf("Audio data rate limit exceeded: Max %g KB per %s seconds", l.cfg.MaxAudioKB, windowSeconds(l.cfg.Window)),
		}
	}
	return nil
}

func windowSeconds(d time.Duration) string {
	return fmt.Sprintf("%g", d.Seconds())
}
