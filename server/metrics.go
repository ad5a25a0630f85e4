// Copyright 2025 The OpenChat Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics is the instrumentation surface shared by gateway components.
type Metrics interface {
	GaugeSessions(value float64)
	GaugePresences(value float64)

	CountWebsocketOpened(delta int64)
	CountWebsocketClosed(delta int64)

	Message(recvBytes int64, isRecvError bool)
	MessageBytesSent(sentBytes int64)

	CountMessagesRouted(delta int64)
	CountMessagesForwarded(delta int64)
	CountMessageRetried(delta int64)
	CountMessageFailed(delta int64)

	CountRateLimited(delta int64)
	CountPresenceExpired(delta int64)
	CountSystemEvents(delta int64)
}

// LocalMetrics exposes gateway instrumentation through a Prometheus registry
// scoped to this instance.
type LocalMetrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	sessions  prometheus.Gauge
	presences prometheus.Gauge

	wsOpened prometheus.Counter
	wsClosed prometheus.Counter

	recvBytes  prometheus.Counter
	recvErrors prometheus.Counter
	sentBytes  prometheus.Counter

	messagesRouted    prometheus.Counter
	messagesForwarded prometheus.Counter
	messageRetries    prometheus.Counter
	messageFailures   prometheus.Counter

	rateLimited     prometheus.Counter
	presenceExpired prometheus.Counter
	systemEvents    prometheus.Counter
}

func NewLocalMetrics(logger *zap.Logger, config Config) *LocalMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	constLabels := prometheus.Labels{"instance_id": config.GetName()}

	m := &LocalMetrics{
		logger:   logger,
		registry: registry,

		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway", Name: "sessions", Help: "Number of sessions currently connected to this instance.", ConstLabels: constLabels,
		}),
		presences: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway", Name: "presences", Help: "Number of presence records owned by this instance.", ConstLabels: constLabels,
		}),
		wsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "ws_opened_total", Help: "Total number of websocket connections accepted.", ConstLabels: constLabels,
		}),
		wsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "ws_closed_total", Help: "Total number of websocket connections closed.", ConstLabels: constLabels,
		}),
		recvBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "message_recv_bytes_total", Help: "Total number of bytes received from clients.", ConstLabels: constLabels,
		}),
		recvErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "message_recv_errors_total", Help: "Total number of malformed client messages.", ConstLabels: constLabels,
		}),
		sentBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "message_sent_bytes_total", Help: "Total number of bytes sent to clients.", ConstLabels: constLabels,
		}),
		messagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "messages_routed_total", Help: "Total number of envelopes routed to local sessions.", ConstLabels: constLabels,
		}),
		messagesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "messages_forwarded_total", Help: "Total number of envelopes forwarded to other instances.", ConstLabels: constLabels,
		}),
		messageRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "message_retries_total", Help: "Total number of unacknowledged message re-emits.", ConstLabels: constLabels,
		}),
		messageFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "message_failures_total", Help: "Total number of messages reported as failed to senders.", ConstLabels: constLabels,
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "rate_limited_total", Help: "Total number of client events rejected by the rate limiter.", ConstLabels: constLabels,
		}),
		presenceExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "presence_expired_total", Help: "Total number of presence records expired by the sweep.", ConstLabels: constLabels,
		}),
		systemEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Name: "system_events_total", Help: "Total number of cross-instance system events handled.", ConstLabels: constLabels,
		}),
	}
	return m
}

// Handler returns the scrape endpoint handler for this instance's registry.
func (m *LocalMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *LocalMetrics) GaugeSessions(value float64)  { m.sessions.Set(value) }
func (m *LocalMetrics) GaugePresences(value float64) { m.presences.Set(value) }

func (m *LocalMetrics) CountWebsocketOpened(delta int64) { m.wsOpened.Add(float64(delta)) }
func (m *LocalMetrics) CountWebsocketClosed(delta int64) { m.wsClosed.Add(float64(delta)) }

func (m *LocalMetrics) Message(recvBytes int64, isRecvError bool) {
	m.recvBytes.Add(float64(recvBytes))
	if isRecvError {
		m.recvErrors.Inc()
	}
}

func (m *LocalMetrics) MessageBytesSent(sentBytes int64) { m.sentBytes.Add(float64(sentBytes)) }

func (m *LocalMetrics) CountMessagesRouted(delta int64)    { m.messagesRouted.Add(float64(delta)) }
func (m *LocalMetrics) CountMessagesForwarded(delta int64) { m.messagesForwarded.Add(float64(delta)) }
func (m *LocalMetrics) CountMessageRetried(delta int64)    { m.messageRetries.Add(float64(delta)) }
func (m *LocalMetrics) CountMessageFailed(delta int64)     { m.messageFailures.Add(float64(delta)) }

func (m *LocalMetrics) CountRateLimited(delta int64)     { m.rateLimited.Add(float64(delta)) }
func (m *LocalMetrics) CountPresenceExpired(delta int64) { m.presenceExpired.Add(float64(delta)) }
func (m *LocalMetrics) CountSystemEvents(delta int64)    { m.systemEvents.Add(float64(delta)) }

// NopMetrics discards all instrumentation.
type NopMetrics struct{}

func NewNopMetrics() *NopMetrics { return &NopMetrics{} }

func (m *NopMetrics) GaugeSessions(value float64)              {}
func (m *NopMetrics) GaugePresences(value float64)             {}
func (m *NopMetrics) CountWebsocketOpened(delta int64)         {}
func (m *NopMetrics) CountWebsocketClosed(delta int64)         {}
func (m *NopMetrics) Message(recvBytes int64, isRecvError bool) {}
func (m *NopMetrics) MessageBytesSent(sentBytes int64)         {}
func (m *NopMetrics) CountMessagesRouted(delta int64)          {}
func (m *NopMetrics) CountMessagesForwarded(delta int64)       {}
func (m *NopMetrics) CountMessageRetried(delta int64)          {}
func (m *NopMetrics) CountMessageFailed(delta int64)           {}
func (m *NopMetrics) CountRateLimited(delta int64)             {}
func (m *NopMetrics) CountPresenceExpired(delta int64)         {}
func (m *NopMetrics) CountSystemEvents(delta int64)            {}
