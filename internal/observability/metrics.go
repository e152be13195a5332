package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the voice client. All
// methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	Connected          prometheus.Gauge
	ConnectAttempts    *prometheus.CounterVec
	ConnectLatency     prometheus.Histogram
	WSMessages         *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec
	IntentEvents       *prometheus.CounterVec
	PlaybackJobs       *prometheus.CounterVec
	RecordingDuration  prometheus.Histogram
	TranscriptionCalls *prometheus.CounterVec
	WorkoutsSaved      *prometheus.CounterVec

	turnStages *turnStageWindow
}

// NewMetrics registers instruments on a private registry, so several clients
// in one process (or one test binary) do not collide.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connected",
			Help:      "1 while the agent channel is open.",
		}),
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Channel connect attempts by result.",
		}, []string{"result"}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Time to open the agent channel in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000},
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound frames that could not be parsed, by kind.",
		}, []string{"kind"}),
		IntentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_events_total",
			Help:      "Workout intent outcomes by source and result.",
		}, []string{"source", "result"}),
		PlaybackJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_jobs_total",
			Help:      "Playback jobs by outcome.",
		}, []string{"outcome"}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_duration_seconds",
			Help:      "Length of finished microphone recordings.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 60},
		}),
		TranscriptionCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Speech-to-text calls by provider and result.",
		}, []string{"provider", "result"}),
		WorkoutsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workouts_saved_total",
			Help:      "Workout records persisted by the host, by store and result.",
		}, []string{"store", "result"}),
		turnStages: newTurnStageWindow(256),
	}
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

func (m *Metrics) ObserveConnect(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
	if result == "ok" {
		m.ConnectLatency.Observe(float64(d.Milliseconds()))
		m.turnStages.Observe("connect", float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveWSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) ObserveProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
	m.turnStages.ObserveIndicator("protocol_error")
}

func (m *Metrics) ObserveIntent(source, result string) {
	if m == nil {
		return
	}
	m.IntentEvents.WithLabelValues(source, result).Inc()
	if result == "rejected" {
		m.turnStages.ObserveIndicator("intent_rejected")
	}
}

func (m *Metrics) ObservePlayback(outcome string) {
	if m == nil {
		return
	}
	m.PlaybackJobs.WithLabelValues(outcome).Inc()
	if outcome == "fallback" {
		m.turnStages.ObserveIndicator("playback_fallback")
	}
}

func (m *Metrics) ObserveRecording(d time.Duration) {
	if m == nil {
		return
	}
	m.RecordingDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveTranscription(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.TranscriptionCalls.WithLabelValues(provider, result).Inc()
	if result == "ok" {
		m.turnStages.Observe("recording_to_transcript", float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveWorkoutSaved(store, result string) {
	if m == nil {
		return
	}
	m.WorkoutsSaved.WithLabelValues(store, result).Inc()
}

// ObserveTurnStage records one latency sample for the rolling window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnStages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) TurnStageSnapshot() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.turnStages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.turnStages.Reset()
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
