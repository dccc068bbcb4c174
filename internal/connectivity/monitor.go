// Package connectivity turns periodic reachability probes of the remote origin
// into online/offline transitions.
package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Target receives connectivity transitions.
// Implemented by syncer.Orchestrator.
type Target interface {
	SetOnline(ctx context.Context, online bool)
}

// Monitor probes an origin URL on a fixed interval. Any HTTP response counts
// as online; a transport error counts as offline.
type Monitor struct {
	url      string
	target   Target
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger

	known  bool
	online bool
}

// NewMonitor creates a Monitor. If interval is <= 0, it defaults to 30s.
func NewMonitor(url string, target Target, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Monitor{
		url:      url,
		target:   target,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run probes until ctx is cancelled. The first probe happens immediately.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs one probe and reports a transition to the target. It returns
// the probed state.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe(ctx)
	if ctx.Err() != nil {
		return m.online
	}
	if m.known && online == m.online {
		return online
	}
	m.known = true
	m.online = online
	m.logger.Info("connectivity changed", "online", online, "url", m.url)
	m.target.SetOnline(ctx, online)
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		m.logger.Error("building probe request", "error", err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("probe failed", "url", m.url, "error", err)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}
