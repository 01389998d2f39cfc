// Package settings holds the process wide link emulation parameters and the
// page used to change them at runtime.
package settings

import (
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
)

const (
	// DefaultBandwidthDown is the GPRS downlink in bits per second.
	DefaultBandwidthDown = 64000
	// DefaultBandwidthUp is the GPRS uplink in bits per second.
	DefaultBandwidthUp = 32000
	// DefaultLatency is the GPRS propagation latency.
	DefaultLatency = 150 * time.Millisecond

	minBandwidth = 1000
	maxLatency   = 1000 * time.Millisecond
)

var log = golog.LoggerFor("settings")

// Settings is a snapshot of the emulated link.
type Settings struct {
	BandwidthDown int64
	BandwidthUp   int64
	Latency       time.Duration
}

// Defaults returns the built in settings.
func Defaults() Settings {
	return Settings{
		BandwidthDown: DefaultBandwidthDown,
		BandwidthUp:   DefaultBandwidthUp,
		Latency:       DefaultLatency,
	}
}

// Validate checks s against the rules the settings page enforces.
func (s Settings) Validate() error {
	if s.BandwidthDown <= minBandwidth {
		return errors.New("Download bandwidth of %d bps is not above %d bps", s.BandwidthDown, minBandwidth)
	}
	if s.BandwidthUp <= minBandwidth {
		return errors.New("Upload bandwidth of %d bps is not above %d bps", s.BandwidthUp, minBandwidth)
	}
	if s.Latency < 0 || s.Latency >= maxLatency {
		return errors.New("Latency of %v is not within [0, %v)", s.Latency, maxLatency)
	}
	return nil
}

// Store is safe for concurrent use. Connections read a snapshot once when
// they are set up, the settings page is the only writer.
type Store struct {
	current   Settings
	listeners []func(Settings)
	mx        sync.RWMutex
}

// NewStore creates a Store holding initial.
func NewStore(initial Settings) *Store {
	return &Store{current: initial}
}

// Get returns the current snapshot.
func (s *Store) Get() Settings {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.current
}

// Set replaces the current settings.
func (s *Store) Set(settings Settings) {
	s.mx.Lock()
	s.current = settings
	listeners := s.listeners
	s.mx.Unlock()
	notify(listeners, settings)
}

// OnChange registers f to be called with the new settings after every
// update.
func (s *Store) OnChange(f func(Settings)) {
	s.mx.Lock()
	s.listeners = append(s.listeners, f)
	s.mx.Unlock()
}

func notify(listeners []func(Settings), settings Settings) {
	for _, f := range listeners {
		f(settings)
	}
}

// Apply updates the settings from the dn, up and la query parameters.
// Bandwidths must exceed 1000 bps and latency must stay below 1000 ms,
// anything invalid or missing is ignored. Returns whether any value was
// accepted.
func (s *Store) Apply(params url.Values) bool {
	dn, dnOK := parseBandwidth(params.Get("dn"))
	up, upOK := parseBandwidth(params.Get("up"))
	la, laOK := parseLatency(params.Get("la"))
	if !dnOK && !upOK && !laOK {
		return false
	}

	s.mx.Lock()
	if dnOK {
		s.current.BandwidthDown = dn
	}
	if upOK {
		s.current.BandwidthUp = up
	}
	if laOK {
		s.current.Latency = la
	}
	updated := s.current
	listeners := s.listeners
	s.mx.Unlock()

	log.Debugf("Download bandwidth is %d bps, upload bandwidth is %d bps, latency is %v",
		updated.BandwidthDown, updated.BandwidthUp, updated.Latency)
	notify(listeners, updated)
	return true
}

func parseBandwidth(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	bw, err := strconv.ParseInt(v, 10, 64)
	if err != nil || bw <= minBandwidth {
		return 0, false
	}
	return bw, true
}

func parseLatency(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	la := time.Duration(ms) * time.Millisecond
	if la >= maxLatency {
		return 0, false
	}
	return la, true
}
