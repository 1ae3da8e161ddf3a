// Package metrics holds the exporter's gauges and renders them for scraping.
//
// All gauges live on a private prometheus.Registry. Apply updates the whole set
// under one write lock and Gather reads under the read lock, so a scrape never
// sees part of one measurement mixed with part of the previous one.
package metrics

import (
	"io"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"speedtest-exporter/internal/probe"
)

// LabelNames is the dimension set of every gauge.
var LabelNames = []string{"server_name", "server_id", "isp"}

// Labels is one label tuple, in LabelNames order.
type Labels struct {
	ServerName string
	ServerID   string
	ISP        string
}

func (l Labels) values() []string { return []string{l.ServerName, l.ServerID, l.ISP} }

// LabelsFor derives the label tuple from a measurement.
func LabelsFor(res *probe.Result) Labels {
	return Labels{
		ServerName: res.Server.Name,
		ServerID:   strconv.FormatUint(res.Server.ID, 10),
		ISP:        res.ISP,
	}
}

// Gauge is a float gauge split by Labels.
type Gauge struct {
	vec *prometheus.GaugeVec
}

// Set replaces the value for labels, creating the series if needed.
func (g *Gauge) Set(value float64, labels Labels) {
	g.vec.WithLabelValues(labels.values()...).Set(value)
}

// Options configures a Registry.
type Options struct {
	// RuntimeCollectors adds the Go runtime and process collectors.
	RuntimeCollectors bool
}

// Registry is the process-wide gauge set. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	reg *prometheus.Registry

	PingLatency       *Gauge
	PingLow           *Gauge
	PingHigh          *Gauge
	PingJitter        *Gauge
	DownloadBytes     *Gauge
	DownloadBandwidth *Gauge
	DownloadDuration  *Gauge
	UploadBytes       *Gauge
	UploadBandwidth   *Gauge
	UploadDuration    *Gauge
}

// NewRegistry registers every gauge. It panics on a duplicate name, which can
// only happen through a programming error.
func NewRegistry(opts Options) *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.PingLatency = r.register("speedtest_ping_latency_seconds", "Speedtest ping latency in seconds")
	r.PingLow = r.register("speedtest_ping_low_seconds", "Speedtest lowest ping latency in seconds")
	r.PingHigh = r.register("speedtest_ping_high_seconds", "Speedtest highest ping latency in seconds")
	r.PingJitter = r.register("speedtest_ping_jitter_seconds", "Speedtest ping jitter in seconds")

	r.DownloadBytes = r.register("speedtest_download_bytes", "Number of bytes downloaded during speedtest")
	r.DownloadBandwidth = r.register("speedtest_download_bandwidth_bytes", "Speedtest download bandwidth in bytes/s")
	r.DownloadDuration = r.register("speedtest_download_duration_seconds", "Speedtest download duration in seconds")

	r.UploadBytes = r.register("speedtest_upload_bytes", "Number of bytes uploaded during speedtest")
	r.UploadBandwidth = r.register("speedtest_upload_bandwidth_bytes", "Speedtest upload bandwidth in bytes/s")
	r.UploadDuration = r.register("speedtest_upload_duration_seconds", "Speedtest upload duration in seconds")

	if opts.RuntimeCollectors {
		r.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

func (r *Registry) register(name, help string) *Gauge {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, LabelNames)
	r.reg.MustRegister(vec)
	return &Gauge{vec: vec}
}

// Apply publishes every value of res under the label tuple derived from it.
// Millisecond figures are converted to seconds here.
func (r *Registry) Apply(res *probe.Result) {
	if res == nil {
		return
	}
	l := LabelsFor(res)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.PingLatency.Set(res.Ping.LatencySeconds(), l)
	r.PingLow.Set(res.Ping.LowSeconds(), l)
	r.PingHigh.Set(res.Ping.HighSeconds(), l)
	r.PingJitter.Set(res.Ping.JitterSeconds(), l)

	r.DownloadBytes.Set(float64(res.Download.Bytes), l)
	r.DownloadBandwidth.Set(float64(res.Download.Bandwidth), l)
	r.DownloadDuration.Set(res.Download.ElapsedSeconds(), l)

	r.UploadBytes.Set(float64(res.Upload.Bytes), l)
	r.UploadBandwidth.Set(float64(res.Upload.Bandwidth), l)
	r.UploadDuration.Set(res.Upload.ElapsedSeconds(), l)
}

// Gather implements prometheus.Gatherer.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reg.Gather()
}

// Render writes all series in the text exposition format.
func (r *Registry) Render(w io.Writer) error {
	mfs, err := r.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

var _ prometheus.Gatherer = (*Registry)(nil)
