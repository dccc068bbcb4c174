// Package intercept is the background interception layer: a local caching
// proxy in front of the remote origin. GET requests under the API prefix are
// served network-first, other GET requests cache-first; everything else is
// forwarded untouched so callers see real upstream and transport errors.
package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/netutil"

	"github.com/kalambet/fieldsync/internal/cachestore"
)

// CacheHeader reports how a response was produced: hit, miss, offline or fallback.
const CacheHeader = "X-Fieldsync-Cache"

const (
	defaultAPIPrefix = "/api/"
	defaultTimeout   = 30 * time.Second
	maxCachedBody    = 16 << 20
	offlineMessage   = "Sem conexão. A operação será sincronizada mais tarde."
)

// Cache is the cache store owned by the layer.
// Implemented by cachestore.Store.
type Cache interface {
	Get(cache, key string) (cachestore.Response, error)
	Put(cache, key string, r cachestore.Response) error
	PutAll(cache string, items map[string]cachestore.Response) error
	Names() ([]string, error)
	Delete(cache string) error
}

// Config configures the layer.
type Config struct {
	Origin      string
	Version     string
	ShellAssets []string
	APIPrefix   string
	Timeout     time.Duration
	Transport   http.RoundTripper
}

// Layer is the interception proxy.
type Layer struct {
	cache       Cache
	origin      *url.URL
	apiPrefix   string
	shell       []string
	staticName  string
	runtimeName string
	client      *http.Client
	passthrough *httputil.ReverseProxy
	active      atomic.Bool
	logger      *slog.Logger
}

// StaticCacheName is the install-time generation for version.
func StaticCacheName(version string) string { return "fieldsync-static-" + version }

// RuntimeCacheName is the runtime generation for version.
func RuntimeCacheName(version string) string { return "fieldsync-runtime-" + version }

// New creates a Layer for cfg.Origin.
func New(cache Cache, cfg Config) (*Layer, error) {
	origin, err := url.Parse(strings.TrimRight(cfg.Origin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.Origin)
	}
	if cfg.Version == "" {
		return nil, errors.New("cache version is required")
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = defaultAPIPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	l := &Layer{
		cache:       cache,
		origin:      origin,
		apiPrefix:   cfg.APIPrefix,
		shell:       append([]string(nil), cfg.ShellAssets...),
		staticName:  StaticCacheName(cfg.Version),
		runtimeName: RuntimeCacheName(cfg.Version),
		client:      &http.Client{Timeout: cfg.Timeout, Transport: transport},
		logger:      slog.Default(),
	}
	l.passthrough = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.Out.Host = origin.Host
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			l.logger.Warn("upstream request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			http.Error(w, "upstream unreachable: "+err.Error(), http.StatusBadGateway)
		},
	}
	return l, nil
}

// Active reports whether interception is on.
func (l *Layer) Active() bool { return l.active.Load() }

// CacheNames returns the current static and runtime generation names.
func (l *Layer) CacheNames() (static, runtime string) {
	return l.staticName, l.runtimeName
}

// Install fetches every shell asset into the static generation. A single
// failure fails the whole install and nothing is written.
func (l *Layer) Install(ctx context.Context) error {
	items := make(map[string]cachestore.Response, len(l.shell))
	for _, asset := range l.shell {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.origin.String()+asset, nil)
		if err != nil {
			return fmt.Errorf("install %s: %w", asset, err)
		}
		resp, err := l.do(req)
		if err != nil {
			return fmt.Errorf("install %s: %w", asset, err)
		}
		if resp.Status != http.StatusOK {
			return fmt.Errorf("install %s: HTTP %d", asset, resp.Status)
		}
		items[asset] = resp
	}
	if err := l.cache.PutAll(l.staticName, items); err != nil {
		return fmt.Errorf("storing shell assets: %w", err)
	}
	l.logger.Info("shell assets installed", "cache", l.staticName, "assets", len(items))
	return nil
}

// Activate deletes every cache generation other than the current two and
// starts intercepting.
func (l *Layer) Activate() error {
	names, err := l.cache.Names()
	if err != nil {
		return fmt.Errorf("listing caches: %w", err)
	}
	for _, name := range names {
		if name == l.staticName || name == l.runtimeName {
			continue
		}
		if err := l.cache.Delete(name); err != nil {
			return fmt.Errorf("deleting stale cache %s: %w", name, err)
		}
		l.logger.Info("stale cache deleted", "cache", name)
	}
	l.active.Store(true)
	return nil
}

// Handler returns the proxy router.
func (l *Layer) Handler() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/*", l.ServeHTTP)
	return r
}

// ServeHTTP routes one request.
func (l *Layer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case !l.Active() || r.Method != http.MethodGet:
		l.passthrough.ServeHTTP(w, r)
	case strings.HasPrefix(r.URL.Path, l.apiPrefix):
		l.networkFirst(w, r)
	default:
		l.cacheFirst(w, r)
	}
}

// networkFirst serves fresh data when possible and any cached copy when the
// network is down.
func (l *Layer) networkFirst(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)
	resp, err := l.fetch(r)
	if err == nil {
		if resp.Status >= 200 && resp.Status < 300 {
			l.store(l.runtimeName, key, resp)
		}
		writeResponse(w, resp, "miss")
		return
	}

	l.logger.Debug("network-first fetch failed", "path", r.URL.Path, "error", err)
	if cached, ok := l.lookup(key); ok {
		writeResponse(w, cached, "fallback")
		return
	}
	writeOffline(w)
}

// cacheFirst serves the cached copy when present and the network otherwise.
func (l *Layer) cacheFirst(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)
	if cached, ok := l.lookup(key); ok {
		writeResponse(w, cached, "hit")
		return
	}

	resp, err := l.fetch(r)
	if err == nil {
		if resp.Status == http.StatusOK {
			l.store(l.runtimeName, key, resp)
		}
		writeResponse(w, resp, "miss")
		return
	}

	l.logger.Debug("cache-first fetch failed", "path", r.URL.Path, "error", err)
	if isNavigation(r) {
		if shell, ok := l.shellPage(); ok {
			writeResponse(w, shell, "fallback")
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(CacheHeader, "offline")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, "offline")
}

func (l *Layer) lookup(key string) (cachestore.Response, bool) {
	for _, name := range []string{l.runtimeName, l.staticName} {
		resp, err := l.cache.Get(name, key)
		if err == nil {
			return resp, true
		}
		if !errors.Is(err, cachestore.ErrNotFound) {
			l.logger.Warn("cache read failed", "cache", name, "key", key, "error", err)
		}
	}
	return cachestore.Response{}, false
}

func (l *Layer) shellPage() (cachestore.Response, bool) {
	for _, key := range []string{"/index.html", "/"} {
		if resp, err := l.cache.Get(l.staticName, key); err == nil {
			return resp, true
		}
	}
	return cachestore.Response{}, false
}

func (l *Layer) store(cache, key string, resp cachestore.Response) {
	if err := l.cache.Put(cache, key, resp); err != nil {
		l.logger.Warn("cache write failed", "cache", cache, "key", key, "error", err)
	}
}

// fetch replays r against the origin and buffers the response.
func (l *Layer) fetch(r *http.Request) (cachestore.Response, error) {
	out, err := http.NewRequestWithContext(r.Context(), r.Method, l.origin.String()+r.URL.RequestURI(), nil)
	if err != nil {
		return cachestore.Response{}, err
	}
	for k, vv := range r.Header {
		if isHopHeader(k) {
			continue
		}
		out.Header[k] = append([]string(nil), vv...)
	}
	return l.do(out)
}

func (l *Layer) do(req *http.Request) (cachestore.Response, error) {
	resp, err := l.client.Do(req)
	if err != nil {
		return cachestore.Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	if err != nil {
		return cachestore.Response{}, fmt.Errorf("reading body: %w", err)
	}
	header := resp.Header.Clone()
	for k := range header {
		if isHopHeader(k) || k == "Content-Length" {
			delete(header, k)
		}
	}
	return cachestore.Response{Status: resp.StatusCode, Header: header, Body: body}, nil
}

func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopHeader(k string) bool { return hopHeaders[http.CanonicalHeaderKey(k)] }

func writeResponse(w http.ResponseWriter, resp cachestore.Response, decision string) {
	for k, vv := range resp.Header {
		w.Header()[k] = append([]string(nil), vv...)
	}
	w.Header().Set(CacheHeader, decision)
	w.WriteHeader(resp.Status)
	io.Copy(w, bytes.NewReader(resp.Body))
}

type offlineBody struct {
	OK         bool   `json:"ok"`
	Offline    bool   `json:"offline"`
	RetryLater bool   `json:"retryLater"`
	Message    string `json:"message"`
}

func writeOffline(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(CacheHeader, "offline")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(offlineBody{Offline: true, RetryLater: true, Message: offlineMessage})
}

// Serve listens on addr and serves the proxy until ctx is cancelled.
// maxConns caps concurrent connections; zero means no cap.
func (l *Layer) Serve(ctx context.Context, addr string, maxConns int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	srv := &http.Server{Handler: l.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	l.logger.Info("interception proxy listening", "addr", ln.Addr().String(), "origin", l.origin.String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("proxy server error: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
