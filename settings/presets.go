package settings

import (
	"net/url"
	"strconv"
	"time"
)

// Preset is a named link profile offered on the settings page.
type Preset struct {
	Name string
	Settings
}

// Presets approximate common mobile and fixed links. Raw radio bandwidths
// overstate what TCP sees on these links, packet overhead on the radio link
// and the MAC layer is not modeled.
var Presets = []Preset{
	{"GPRS", Settings{BandwidthDown: 64000, BandwidthUp: 32000, Latency: 150 * time.Millisecond}},
	{"EDGE", Settings{BandwidthDown: 128000, BandwidthUp: 64000, Latency: 90 * time.Millisecond}},
	{"UMTS", Settings{BandwidthDown: 256000, BandwidthUp: 96000, Latency: 60 * time.Millisecond}},
	{"HSDPA", Settings{BandwidthDown: 1800000, BandwidthUp: 384000, Latency: 91 * time.Millisecond}},
	{"ADSL", Settings{BandwidthDown: 1000000, BandwidthUp: 256000, Latency: 11 * time.Millisecond}},
}

// Query encodes the preset as settings page parameters.
func (p Preset) Query() string {
	return Values(p.Settings).Encode()
}

// Values encodes s as dn, up and la parameters.
func Values(s Settings) url.Values {
	return url.Values{
		"dn": {strconv.FormatInt(s.BandwidthDown, 10)},
		"up": {strconv.FormatInt(s.BandwidthUp, 10)},
		"la": {strconv.FormatInt(s.Latency.Milliseconds(), 10)},
	}
}
