package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level collectors, registered via Register. The helpers below are
// no-ops until then so packages can record unconditionally.
var (
	regOK atomic.Bool

	scrapes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "price_tracker",
			Subsystem: "scraper",
			Name:      "scrapes_total",
			Help:      "Scrape attempts by mode and outcome.",
		}, []string{"mode", "outcome"},
	)
	scrapeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "price_tracker",
			Subsystem: "scraper",
			Name:      "scrape_duration_seconds",
			Help:      "Wall time of a scrape from session acquisition to extraction.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120},
		}, []string{"mode"},
	)
	scrapesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "price_tracker",
			Subsystem: "scraper",
			Name:      "in_flight",
			Help:      "Scrapes currently running.",
		},
	)
	browserLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "price_tracker",
			Subsystem: "browser",
			Name:      "launches_total",
			Help:      "Browser launch attempts by result.",
		}, []string{"result"},
	)
	browserInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "price_tracker",
			Subsystem: "browser",
			Name:      "invalidations_total",
			Help:      "Browser sessions discarded after a failed health check or disconnect.",
		},
	)
	schedulerJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "price_tracker",
			Subsystem: "scheduler",
			Name:      "jobs",
			Help:      "Registered recurring price jobs.",
		},
	)
	schedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "price_tracker",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Completed price job ticks by outcome.",
		}, []string{"outcome"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "price_tracker",
			Subsystem: "notifier",
			Name:      "notifications_total",
			Help:      "Price drop notifications by result.",
		}, []string{"result"},
	)
)

// Register registers all collectors with r. Calling it again after a
// successful registration is a no-op.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		scrapes, scrapeDuration, scrapesInFlight,
		browserLaunches, browserInvalidations,
		schedulerJobs, schedulerTicks, notifications,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func ObserveScrape(mode, outcome string, seconds float64) {
	if regOK.Load() {
		scrapes.WithLabelValues(mode, outcome).Inc()
		scrapeDuration.WithLabelValues(mode).Observe(seconds)
	}
}

func ScrapeStarted() {
	if regOK.Load() {
		scrapesInFlight.Inc()
	}
}

func ScrapeFinished() {
	if regOK.Load() {
		scrapesInFlight.Dec()
	}
}

func IncBrowserLaunch(result string) {
	if regOK.Load() {
		browserLaunches.WithLabelValues(result).Inc()
	}
}

func IncBrowserInvalidation() {
	if regOK.Load() {
		browserInvalidations.Inc()
	}
}

func SetSchedulerJobs(n int) {
	if regOK.Load() {
		schedulerJobs.Set(float64(n))
	}
}

func IncTick(outcome string) {
	if regOK.Load() {
		schedulerTicks.WithLabelValues(outcome).Inc()
	}
}

func IncNotification(result string) {
	if regOK.Load() {
		notifications.WithLabelValues(result).Inc()
	}
}
