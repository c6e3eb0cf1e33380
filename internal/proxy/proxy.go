// Package proxy implements the HTTP side of the man-in-the-middle
// reverse proxy: it sits between a client and the home-automation hub,
// consults the gate (limit mode) or the learner (learn mode), and
// forwards everything else through unchanged.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/corfr/ha-api-limiter/internal/config"
	"github.com/corfr/ha-api-limiter/internal/gate"
	"github.com/corfr/ha-api-limiter/internal/learner"
)

// maxRequestBody caps how much of a request/response body we will buffer
// in memory. Home Assistant's REST payloads (service calls, history
// queries) are small; this guards against a misbehaving or malicious
// client pinning memory with an enormous body.
const maxRequestBody = 10 * 1024 * 1024

// Options holds the dependencies the proxy needs at construction time.
type Options struct {
	Config         *config.Config
	Gate           *gate.Gate
	Learner        *learner.Learner // nil outside learn mode
	UpstreamClient *http.Client
}

// Proxy is the HTTP handler mounted at "/" that fronts the hub. It
// implements http.Handler.
type Proxy struct {
	cfg     *config.Config
	gate    *gate.Gate
	learner *learner.Learner
	client  *http.Client
}

// New creates a Proxy from opts.
func New(opts Options) *Proxy {
	return &Proxy{
		cfg:     opts.Config,
		gate:    opts.Gate,
		learner: opts.Learner,
		client:  opts.UpstreamClient,
	}
}

// healthResponse is the body returned by GET /health.
type healthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	HAUrl  string `json:"ha_url"`
}

// ServeHTTP is the request entry point. It handles the synthetic health
// route itself; everything else is gated (limit mode), forwarded, and
// optionally learned from (learn mode).
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.URL.Path == "/health" {
		p.handleHealth(w)
		return
	}

	if p.cfg.Mode == config.ModeLimit {
		result := p.gate.CheckRequest(r.URL.Path, r.Method, r.URL.RawQuery)
		if !result.Allowed {
			slog.Warn("request denied", "path", r.URL.Path, "method", r.Method, "reason", result.Reason)
			http.Error(w, result.Reason, http.StatusForbidden)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		slog.Error("failed to read request body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if p.cfg.Mode == config.ModeLearn {
		p.learner.LearnFromRequest(r.URL.Path, r.URL.RawQuery)
	}

	upstream := p.cfg.HAUrl + r.URL.Path
	if r.URL.RawQuery != "" {
		upstream += "?" + r.URL.RawQuery
	}

	resp, err := forwardRequest(p.client, upstream, r, body)
	if err != nil {
		slog.Error("upstream request failed", "upstream", upstream, "error", err, "latency_ms", time.Since(start).Milliseconds())
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		slog.Error("failed to read upstream response", "error", err)
		http.Error(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}

	if p.cfg.Mode == config.ModeLearn {
		p.learner.LearnFromRequest(r.URL.Path, r.URL.RawQuery)
		p.learner.LearnFromResponse(resp.Header.Get("Content-Type"), respBody)
		p.learner.MaybeSave()
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(respBody)))
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

func (p *Proxy) handleHealth(w http.ResponseWriter) {
	body, _ := json.Marshal(healthResponse{
		Status: "healthy",
		Mode:   string(p.cfg.Mode),
		HAUrl:  p.cfg.HAUrl,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// UpstreamReachable does a lightweight GET /api/ against the hub to
// confirm it is reachable before the proxy starts serving traffic.
func UpstreamReachable(ctx context.Context, client *http.Client, haURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, haURL+"/api/", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
