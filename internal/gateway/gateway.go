// Package gateway is the daemon's virtual-host HTTP front door. Each
// domain is bound either to a static root (served from the active version's
// directory) or to the port of a running backend process (reverse-proxied).
// Bindings are replaced whenever a version becomes current, so the gateway
// never serves from a stale root after an activation.
package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"sparkle/pkg/log"
)

type binding struct {
	// staticRoot serves files when non-empty; otherwise port proxies.
	staticRoot string
	port       int

	// Canary window: splitPercent of requests go to splitPort instead of
	// port until the split is cleared.
	splitPort    int
	splitPercent int
}

// Gateway routes inbound HTTP requests by Host header.
type Gateway struct {
	mu       sync.RWMutex
	bindings map[string]*binding

	server *http.Server
}

// New creates an empty gateway.
func New() *Gateway {
	return &Gateway{bindings: make(map[string]*binding)}
}

// Run serves the gateway on addr until ctx is cancelled. It never blocks on
// in-flight deployments.
func (g *Gateway) Run(ctx context.Context, addr string) error {
	g.server = &http.Server{
		Addr:              addr,
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.server.Shutdown(shutdownCtx)
	}()

	log.Info("HTTP gateway listening", "addr", addr)
	if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway failed: %w", err)
	}
	return nil
}

// BindStatic routes a domain to a static root directory.
func (g *Gateway) BindStatic(domain, root string) {
	domain = strings.ToLower(domain)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bindings[domain] = &binding{staticRoot: root}
	log.Info("Gateway bound static site", "domain", domain, "root", root)
}

// BindPort routes a domain to a local backend port.
func (g *Gateway) BindPort(domain string, port int) {
	domain = strings.ToLower(domain)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bindings[domain] = &binding{port: port}
	log.Info("Gateway bound backend", "domain", domain, "port", port)
}

// SetSplit sends percent of the domain's traffic to altPort for the
// duration of a canary/blue-green window.
func (g *Gateway) SetSplit(domain string, altPort, percent int) {
	domain = strings.ToLower(domain)
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.bindings[domain]; ok {
		b.splitPort = altPort
		b.splitPercent = percent
		log.Info("Gateway traffic split enabled", "domain", domain, "alt_port", altPort, "percent", percent)
	}
}

// ClearSplit ends the traffic split for a domain.
func (g *Gateway) ClearSplit(domain string) {
	domain = strings.ToLower(domain)
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.bindings[domain]; ok {
		b.splitPort = 0
		b.splitPercent = 0
	}
}

// Unbind removes a domain.
func (g *Gateway) Unbind(domain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bindings, strings.ToLower(domain))
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostname(r.Host)

	g.mu.RLock()
	b, ok := g.bindings[host]
	var snapshot binding
	if ok {
		snapshot = *b
	}
	g.mu.RUnlock()

	if !ok {
		http.Error(w, "domain not configured", http.StatusNotFound)
		return
	}

	if snapshot.staticRoot != "" {
		http.FileServer(http.Dir(snapshot.staticRoot)).ServeHTTP(w, r)
		return
	}

	port := snapshot.port
	if snapshot.splitPercent > 0 && rand.Intn(100) < snapshot.splitPercent {
		port = snapshot.splitPort
	}
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("Gateway backend unreachable", "domain", host, "port", port, "error", err)
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}
	proxy.ServeHTTP(w, r)
}

// hostname strips an optional port from a Host header value and lowercases
// it; bindings are keyed by lowercase domain.
func hostname(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(hostport)
}
