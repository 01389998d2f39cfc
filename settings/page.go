package settings

import (
	"html/template"
	"net/http"

	"github.com/dustin/go-humanize"
)

// Rates reports recently relayed throughput in bytes per second.
type Rates interface {
	DownRate() float64
	UpRate() float64
}

var page = template.Must(template.New("settings").Funcs(template.FuncMap{
	"bps": func(bw int64) string {
		return humanize.SI(float64(bw), "bps")
	},
	"rate": func(bytesPerSecond float64) string {
		return humanize.Bytes(uint64(bytesPerSecond)) + "/s"
	},
	"href": func(p Preset) template.URL {
		return template.URL("/?" + p.Query())
	},
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Bandwidth Limiter Proxy</title>
</head>
<body>
<h1>Bandwidth Limiter Proxy</h1>
<table>
<tr><td>Download bandwidth</td><td>{{.Current.BandwidthDown}} bps</td><td>{{bps .Current.BandwidthDown}}</td></tr>
<tr><td>Upload bandwidth</td><td>{{.Current.BandwidthUp}} bps</td><td>{{bps .Current.BandwidthUp}}</td></tr>
<tr><td>Latency</td><td>{{.LatencyMs}} ms</td><td></td></tr>
</table>
<h2>Profiles</h2>
<ul>
{{range .Presets}}<li><a href="{{href .}}">{{.Name}}</a> {{bps .BandwidthDown}} down, {{bps .BandwidthUp}} up, {{.Latency}}</li>
{{end}}</ul>
<h2>Custom</h2>
<form method="GET" action="/">
<label>Download (bps) <input name="dn" value="{{.Current.BandwidthDown}}"></label>
<label>Upload (bps) <input name="up" value="{{.Current.BandwidthUp}}"></label>
<label>Latency (ms) <input name="la" value="{{.LatencyMs}}"></label>
<input type="submit" value="Set">
</form>
{{if .ShowRates}}<h2>Recent throughput</h2>
<p>{{rate .DownRate}} down, {{rate .UpRate}} up</p>
{{end}}</body>
</html>
`))

type pageData struct {
	Current   Settings
	LatencyMs int64
	Presets   []Preset
	ShowRates bool
	DownRate  float64
	UpRate    float64
}

// Handler serves the settings page on "/". Requests with query parameters
// update the store and redirect back to the page.
type Handler struct {
	store *Store
	rates Rates
}

// NewHandler creates a Handler for store. rates may be nil.
func NewHandler(store *Store, rates Rates) *Handler {
	return &Handler{store: store, rates: rates}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("404"))
		return
	}
	if req.URL.RawQuery != "" && h.store.Apply(req.URL.Query()) {
		w.Header().Set("Location", "/")
		w.WriteHeader(http.StatusFound)
		return
	}

	current := h.store.Get()
	data := &pageData{
		Current:   current,
		LatencyMs: current.Latency.Milliseconds(),
		Presets:   Presets,
	}
	if h.rates != nil {
		data.ShowRates = true
		data.DownRate = h.rates.DownRate()
		data.UpRate = h.rates.UpRate()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := page.Execute(w, data); err != nil {
		log.Errorf("Unable to render settings page: %v", err)
	}
}
