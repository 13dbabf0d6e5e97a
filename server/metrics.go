// Copyright 2025 The Pulsegrid Authors
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is implemented by the Prometheus-backed collector and by test fakes.
type Metrics interface {
	CountWebsocketOpened(delta int64)
	CountWebsocketClosed(delta int64)
	GaugeSessions(value float64)
	Message(recvBytes int64, isError bool)
	CountStatusPublished(delta int64)
	CountDroppedStatus(delta int64)
	CountReaped(delta int64)
	ReaperTick(elapsed time.Duration)
}

var _ Metrics = (*LocalMetrics)(nil)

type LocalMetrics struct {
	registry *prometheus.Registry

	wsOpened        prometheus.Counter
	wsClosed        prometheus.Counter
	sessions        prometheus.Gauge
	messages        prometheus.Counter
	messageBytes    prometheus.Counter
	messageErrors   prometheus.Counter
	statusPublished prometheus.Counter
	droppedStatus   prometheus.Counter
	reaped          prometheus.Counter
	reaperTick      prometheus.Histogram
}

func NewLocalMetrics(nodeName string) *LocalMetrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"node": nodeName}

	m := &LocalMetrics{
		registry: registry,
		wsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "websocket_opened_total", ConstLabels: labels,
		}),
		wsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "websocket_closed_total", ConstLabels: labels,
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence", Name: "sessions", ConstLabels: labels,
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "messages_received_total", ConstLabels: labels,
		}),
		messageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "message_bytes_received_total", ConstLabels: labels,
		}),
		messageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "message_errors_total", ConstLabels: labels,
		}),
		statusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "status_published_total", ConstLabels: labels,
		}),
		droppedStatus: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "status_dropped_total", ConstLabels: labels,
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence", Name: "reaped_total", ConstLabels: labels,
		}),
		reaperTick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "presence", Name: "reaper_tick_seconds", ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.wsOpened, m.wsClosed, m.sessions,
		m.messages, m.messageBytes, m.messageErrors,
		m.statusPublished, m.droppedStatus,
		m.reaped, m.reaperTick,
	)

	return m
}

func (m *LocalMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *LocalMetrics) CountWebsocketOpened(delta int64) { m.wsOpened.Add(float64(delta)) }

func (m *LocalMetrics) CountWebsocketClosed(delta int64) { m.wsClosed.Add(float64(delta)) }

func (m *LocalMetrics) GaugeSessions(value float64) { m.sessions.Set(value) }

func (m *LocalMetrics) Message(recvBytes int64, isError bool) {
	m.messages.Inc()
	m.messageBytes.Add(float64(recvBytes))
	if isError {
		m.messageErrors.Inc()
	}
}

func (m *LocalMetrics) CountStatusPublished(delta int64) { m.statusPublished.Add(float64(delta)) }

func (m *LocalMetrics) CountDroppedStatus(delta int64) { m.droppedStatus.Add(float64(delta)) }

func (m *LocalMetrics) CountReaped(delta int64) { m.reaped.Add(float64(delta)) }

func (m *LocalMetrics) ReaperTick(elapsed time.Duration) { m.reaperTick.Observe(elapsed.Seconds()) }
