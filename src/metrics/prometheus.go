// Package metrics contains support for reporting metrics to an external server,
// currently a Prometheus pushgateway. Because we run as a transient process
// we can't wait around for Prometheus to call us, we've got to push to them.
package metrics

import (
	"fmt"
	"net/http"
	"os/user"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/thought-machine/actioncache/src/cli/logging"
	"github.com/thought-machine/actioncache/src/core"
)

var log = logging.Log

const jobName = "actioncache"

// Directions that blobs can be transferred in.
const (
	Upload   = "upload"
	Download = "download"
)

// registry holds everything we push. It's separate from the default registry so we don't
// send the Go runtime metrics every time.
var registry = prometheus.NewRegistry()

var (
	blobCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actioncache",
		Name:      "blobs_transferred_total",
		Help:      "Count of blobs transferred to or from the remote",
	}, []string{"direction"})

	byteCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actioncache",
		Name:      "bytes_transferred_total",
		Help:      "Count of bytes of blob content transferred to or from the remote",
	}, []string{"direction"})

	lookupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actioncache",
		Name:      "lookups_total",
		Help:      "Count of action cache lookups",
	}, []string{"hit"})

	ignoredStreamErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "actioncache",
		Name:      "ignored_stream_errors_total",
		Help:      "Number of times a download stream failed after delivering all of its content",
	})

	transferHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "actioncache",
		Name:      "transfer_durations_seconds",
		Help:      "Durations of individual blob transfers",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"direction"})
)

func init() {
	registry.MustRegister(blobCounter, byteCounter, lookupCounter, ignoredStreamErrors, transferHistogram)
}

type pusher struct {
	url     string
	timeout time.Duration
	labels  map[string]string
}

// p is set once we have somewhere to push to.
var p *pusher

// InitFromConfig sets up pushing metrics according to the configuration.
// Nothing is pushed if there's no gateway configured, although metrics are still recorded.
func InitFromConfig(config *core.Configuration) {
	if config.Metrics.PushGatewayURL == "" {
		p = nil
		return
	}
	u, err := user.Current()
	if err != nil {
		log.Warning("Can't determine current user name for metrics")
		u = &user.User{Username: "unknown"}
	}
	p = &pusher{
		url:     config.Metrics.PushGatewayURL.String(),
		timeout: time.Duration(config.Metrics.PushTimeout),
		labels: map[string]string{
			"user": u.Username,
			"arch": runtime.GOOS + "_" + runtime.GOARCH,
		},
	}
}

// RecordTransfer records one blob having been transferred in the given direction.
func RecordTransfer(direction string, size int64, duration time.Duration) {
	blobCounter.WithLabelValues(direction).Inc()
	byteCounter.WithLabelValues(direction).Add(float64(size))
	transferHistogram.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordLookup records the outcome of an action cache lookup.
func RecordLookup(hit bool) {
	lookupCounter.WithLabelValues(b(hit)).Inc()
}

// RecordIgnoredStreamError records a download whose stream failed after it had already
// delivered everything we asked for.
func RecordIgnoredStreamError() {
	ignoredStreamErrors.Inc()
}

// TransferredBytes returns the number of bytes recorded so far in the given direction.
func TransferredBytes(direction string) float64 {
	m := &dto.Metric{}
	if err := byteCounter.WithLabelValues(direction).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// IgnoredStreamErrors returns the number of stream errors recorded so far.
func IgnoredStreamErrors() float64 {
	m := &dto.Metric{}
	if err := ignoredStreamErrors.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func b(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

// Push sends the current metrics to the pushgateway, if one is configured.
// Failures are logged but are otherwise not fatal.
func Push() {
	if p == nil {
		return
	}
	start := time.Now()
	if err := p.push(); err != nil {
		log.Warning("Could not push metrics to %s: %s", p.url, err)
		return
	}
	log.Debug("Pushed metrics in %0.3fs", time.Since(start).Seconds())
}

func (p *pusher) push() error {
	pusher := push.New(p.url, jobName).
		Gatherer(registry).
		Format(expfmt.FmtText).
		Client(&http.Client{Timeout: p.timeout})
	for k, v := range p.labels {
		pusher = pusher.Grouping(k, v)
	}
	if err := pusher.Add(); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	return nil
}
