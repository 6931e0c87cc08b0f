// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes session lifecycle counters to Prometheus.
//
// A nil *Collector is valid and records nothing, so components can take an
// optional collector without nil checks at every call site.
package metrics

import (
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "sessionkeeper"

// Login outcomes.
const (
	LoginSuccess   = "success"
	LoginRejected  = "rejected"
	LoginLocked    = "locked"
	LoginInvalid   = "invalid"
	LoginNetwork   = "network"
	LoginCancelled = "cancelled"
)

// Refresh outcomes.
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
	RefreshReused  = "reused"
	RefreshStale   = "stale"
)

// Collector records session lifecycle metrics.
type Collector struct {
	logins        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	lockouts      prometheus.Counter
	storageErrors *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	authenticated prometheus.Gauge
}

// New registers the session metrics on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Token refreshes by outcome. Reused means a waiter received a token without a network call.",
		}, []string{"outcome"}),
		lockouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Login lockouts applied.",
		}),
		storageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Token store failures by operation.",
		}, []string{"op"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"to"}),
		authenticated: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "authenticated",
			Help:      "1 while the session holds a usable access token.",
		}),
	}
}

// LoginAttempt counts one login by outcome.
func (c *Collector) LoginAttempt(outcome string) {
	if c == nil {
		return
	}
	c.logins.WithLabelValues(outcome).Inc()
}

// Refresh counts one refresh by outcome.
func (c *Collector) Refresh(outcome string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(outcome).Inc()
}

// Lockout counts an applied lock.
func (c *Collector) Lockout() {
	if c == nil {
		return
	}
	c.lockouts.Inc()
}

// StorageError counts a failed store operation.
func (c *Collector) StorageError(op string) {
	if c == nil {
		return
	}
	c.storageErrors.WithLabelValues(op).Inc()
}

// Transition counts a state change and updates the authenticated gauge.
func (c *Collector) Transition(to string, authenticated bool) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(to).Inc()
	if authenticated {
		c.authenticated.Set(1)
	} else {
		c.authenticated.Set(0)
	}
}

// Handler serves the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteText writes every metric family from g in the text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
