package live

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Turn metrics
	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec
	TurnQueueLen prometheus.Gauge

	// Capture metrics
	SegmentsTotal     *prometheus.CounterVec
	SegmentDuration   prometheus.Histogram
	ScreenSamples     *prometheus.CounterVec
	AudioBytesTotal   prometheus.Counter
	DeviceFaultsTotal prometheus.Counter

	// Recording metrics
	InteractionsTotal   *prometheus.CounterVec
	RecordingRetained   prometheus.Gauge
	RecordingDegradedTs prometheus.Counter
}

// NewMetrics creates a Metrics instance with all metrics registered on a
// fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "stagewhisper"
	}

	registry := prometheus.NewRegistry()

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total turns resolved",
		},
		[]string{"kind", "status"},
	)

	turnDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Turn duration from submission to resolution",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	turnQueueLen := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turn_queue_length",
			Help:      "Triggers waiting behind the in-flight turn",
		},
	)

	segmentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_segments_total",
			Help:      "Speech segments committed",
		},
		[]string{"reason"},
	)

	segmentDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "speech_segment_duration_seconds",
			Help:      "Committed segment duration",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	screenSamples := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screen_samples_total",
			Help:      "Screen capture attempts",
		},
		[]string{"result"},
	)

	audioBytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM bytes in committed speech segments",
		},
	)

	deviceFaultsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_faults_total",
			Help:      "Audio device failures triggering reopen backoff",
		},
	)

	interactionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "Interactions appended to the session log",
		},
		[]string{"kind"},
	)

	recordingRetained := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recording_retained",
			Help:      "Interactions retained in memory awaiting store retry",
		},
	)

	recordingDegraded := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_degraded_total",
			Help:      "Times recording entered the degraded state",
		},
	)

	registry.MustRegister(
		turnsTotal,
		turnDuration,
		turnQueueLen,
		segmentsTotal,
		segmentDuration,
		screenSamples,
		audioBytesTotal,
		deviceFaultsTotal,
		interactionsTotal,
		recordingRetained,
		recordingDegraded,
	)

	return &Metrics{
		registry:            registry,
		TurnsTotal:          turnsTotal,
		TurnDuration:        turnDuration,
		TurnQueueLen:        turnQueueLen,
		SegmentsTotal:       segmentsTotal,
		SegmentDuration:     segmentDuration,
		ScreenSamples:       screenSamples,
		AudioBytesTotal:     audioBytesTotal,
		DeviceFaultsTotal:   deviceFaultsTotal,
		InteractionsTotal:   interactionsTotal,
		RecordingRetained:   recordingRetained,
		RecordingDegradedTs: recordingDegraded,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTurn records a resolved turn.
func (m *Metrics) RecordTurn(kind, status string, duration time.Duration) {
	m.TurnsTotal.WithLabelValues(kind, status).Inc()
	m.TurnDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSegment records a committed speech segment.
func (m *Metrics) RecordSegment(forced bool, duration time.Duration) {
	reason := "silence"
	if forced {
		reason = "max_length"
	}
	m.SegmentsTotal.WithLabelValues(reason).Inc()
	m.SegmentDuration.Observe(duration.Seconds())
}

// RecordScreenSample records a capture attempt.
func (m *Metrics) RecordScreenSample(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ScreenSamples.WithLabelValues(result).Inc()
}
