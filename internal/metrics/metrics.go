// Package metrics exposes a prometheus.Collector that gathers agentcore
// metrics at scrape time from small per-subsystem provider interfaces,
// rather than maintaining its own counters — each subsystem already tracks
// its own state, the collector just reads it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agent-handwerk/callcore/internal/dialer"
)

// DialerStatsProvider exposes the outbound dialer's call counters.
type DialerStatsProvider interface {
	Stats() dialer.Stats
}

// AudioConnectionsProvider exposes a transport's active connection count,
// satisfied by both internal/audiobridge.Bridge and internal/wsaudio.Server.
type AudioConnectionsProvider interface {
	ActiveConnections() int64
}

// ConversationProvider exposes the conversation engine's live call count.
type ConversationProvider interface {
	ActiveCallCount() int
}

// Collector is a prometheus.Collector that gathers agentcore metrics at
// scrape time.
type Collector struct {
	dialerStats  DialerStatsProvider
	rtpBridge    AudioConnectionsProvider
	wsAudio      AudioConnectionsProvider
	conversation ConversationProvider
	startTime    time.Time

	callsQueuedDesc       *prometheus.Desc
	callsPlacedDesc       *prometheus.Desc
	callsOutcomeDesc      *prometheus.Desc
	callsConsentDeniedDesc *prometheus.Desc
	callsRetriedDesc      *prometheus.Desc
	smsFallbacksDesc      *prometheus.Desc
	bridgeConnectionsDesc *prometheus.Desc
	wsConnectionsDesc     *prometheus.Desc
	activeCallsDesc       *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a Collector. Any provider may be nil if the
// corresponding subsystem is not wired into this process.
func NewCollector(
	dialerStats DialerStatsProvider,
	rtpBridge AudioConnectionsProvider,
	wsAudio AudioConnectionsProvider,
	conversation ConversationProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		dialerStats:  dialerStats,
		rtpBridge:    rtpBridge,
		wsAudio:      wsAudio,
		conversation: conversation,
		startTime:    startTime,

		callsQueuedDesc: prometheus.NewDesc(
			"agentcore_dialer_calls_queued",
			"Total outbound calls submitted to the dialer queue",
			nil, nil,
		),
		callsPlacedDesc: prometheus.NewDesc(
			"agentcore_dialer_calls_placed_total",
			"Total outbound calls originated",
			nil, nil,
		),
		callsOutcomeDesc: prometheus.NewDesc(
			"agentcore_dialer_calls_outcome_total",
			"Total outbound calls by final outcome",
			[]string{"outcome"}, nil,
		),
		callsConsentDeniedDesc: prometheus.NewDesc(
			"agentcore_dialer_consent_denied_total",
			"Total outbound calls skipped for lack of consent",
			nil, nil,
		),
		callsRetriedDesc: prometheus.NewDesc(
			"agentcore_dialer_calls_retried_total",
			"Total outbound calls re-queued for retry",
			nil, nil,
		),
		smsFallbacksDesc: prometheus.NewDesc(
			"agentcore_dialer_sms_fallbacks_total",
			"Total SMS fallback messages sent after exhausted retries",
			nil, nil,
		),
		bridgeConnectionsDesc: prometheus.NewDesc(
			"agentcore_rtp_bridge_connections_active",
			"Number of active telephony audio bridge connections",
			nil, nil,
		),
		wsConnectionsDesc: prometheus.NewDesc(
			"agentcore_ws_audio_connections_active",
			"Number of active websocket audio connections",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"agentcore_conversation_calls_active",
			"Number of calls currently in an active conversation state",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"agentcore_uptime_seconds",
			"Seconds since the agentcore process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsQueuedDesc
	ch <- c.callsPlacedDesc
	ch <- c.callsOutcomeDesc
	ch <- c.callsConsentDeniedDesc
	ch <- c.callsRetriedDesc
	ch <- c.smsFallbacksDesc
	ch <- c.bridgeConnectionsDesc
	ch <- c.wsConnectionsDesc
	ch <- c.activeCallsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time; none of them perform I/O, so no timeout context is needed
// here unlike a database-backed collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.dialerStats != nil {
		s := c.dialerStats.Stats()
		ch <- prometheus.MustNewConstMetric(c.callsQueuedDesc, prometheus.GaugeValue, float64(s.Queued))
		ch <- prometheus.MustNewConstMetric(c.callsPlacedDesc, prometheus.CounterValue, float64(s.Placed))
		ch <- prometheus.MustNewConstMetric(c.callsOutcomeDesc, prometheus.CounterValue, float64(s.Answered), "answered")
		ch <- prometheus.MustNewConstMetric(c.callsOutcomeDesc, prometheus.CounterValue, float64(s.NoAnswer), "no_answer")
		ch <- prometheus.MustNewConstMetric(c.callsOutcomeDesc, prometheus.CounterValue, float64(s.Busy), "busy")
		ch <- prometheus.MustNewConstMetric(c.callsOutcomeDesc, prometheus.CounterValue, float64(s.Failed), "failed")
		ch <- prometheus.MustNewConstMetric(c.callsConsentDeniedDesc, prometheus.CounterValue, float64(s.ConsentDenied))
		ch <- prometheus.MustNewConstMetric(c.callsRetriedDesc, prometheus.CounterValue, float64(s.Retried))
		ch <- prometheus.MustNewConstMetric(c.smsFallbacksDesc, prometheus.CounterValue, float64(s.SMSFallbacks))
	}

	if c.rtpBridge != nil {
		ch <- prometheus.MustNewConstMetric(c.bridgeConnectionsDesc, prometheus.GaugeValue, float64(c.rtpBridge.ActiveConnections()))
	}
	if c.wsAudio != nil {
		ch <- prometheus.MustNewConstMetric(c.wsConnectionsDesc, prometheus.GaugeValue, float64(c.wsAudio.ActiveConnections()))
	}
	if c.conversation != nil {
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(c.conversation.ActiveCallCount()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
