package gateway

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func get(t *testing.T, g *Gateway, host, path string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://placeholder"+path, nil)
	req.Host = host
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	resp := rec.Result()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}

func backendOn(t *testing.T, reply string) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().(*net.TCPAddr).Port
}

func TestUnknownDomain404s(t *testing.T) {
	g := New()
	resp, _ := get(t, g, "nobody.test", "/")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStaticBindingServesFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>site</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	g := New()
	g.BindStatic("site.test", root)

	resp, body := get(t, g, "site.test", "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body != "<h1>site</h1>" {
		t.Errorf("body = %q", body)
	}
}

func TestPortBindingProxies(t *testing.T) {
	port := backendOn(t, "from backend")
	g := New()
	g.BindPort("api.test", port)

	resp, body := get(t, g, "api.test", "/v1/ping")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body != "from backend" {
		t.Errorf("body = %q", body)
	}
}

func TestHostMatchingIgnoresPortAndCase(t *testing.T) {
	port := backendOn(t, "ok")
	g := New()
	g.BindPort("API.Test", port)

	for _, host := range []string{"api.test", "API.TEST", "api.test:8080"} {
		resp, _ := get(t, g, host, "/")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("host %q: status = %d, want 200", host, resp.StatusCode)
		}
	}
}

func TestRebindingReplacesTarget(t *testing.T) {
	oldPort := backendOn(t, "old")
	newPort := backendOn(t, "new")
	g := New()
	g.BindPort("app.test", oldPort)
	g.BindPort("app.test", newPort)

	_, body := get(t, g, "app.test", "/")
	if body != "new" {
		t.Errorf("body = %q, want new", body)
	}
}

func TestSplitFullShiftRoutesToAltPort(t *testing.T) {
	stablePort := backendOn(t, "stable")
	canaryPort := backendOn(t, "canary")
	g := New()
	g.BindPort("app.test", stablePort)
	g.SetSplit("app.test", canaryPort, 100)

	_, body := get(t, g, "app.test", "/")
	if body != "canary" {
		t.Errorf("body = %q, want canary at 100%% split", body)
	}

	g.ClearSplit("app.test")
	_, body = get(t, g, "app.test", "/")
	if body != "stable" {
		t.Errorf("body = %q, want stable after ClearSplit", body)
	}
}

func TestSplitPartialHitsBothBackends(t *testing.T) {
	stablePort := backendOn(t, "stable")
	canaryPort := backendOn(t, "canary")
	g := New()
	g.BindPort("app.test", stablePort)
	g.SetSplit("app.test", canaryPort, 50)

	seen := map[string]bool{}
	for i := 0; i < 200 && len(seen) < 2; i++ {
		_, body := get(t, g, "app.test", "/")
		seen[body] = true
	}
	if !seen["stable"] || !seen["canary"] {
		t.Errorf("50%% split never hit both backends: %v", seen)
	}
}

func TestBackendDown502s(t *testing.T) {
	// Bind to a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	g := New()
	g.BindPort("down.test", port)
	resp, _ := get(t, g, "down.test", "/")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestUnbindRemovesDomain(t *testing.T) {
	g := New()
	g.BindStatic("gone.test", t.TempDir())
	g.Unbind("gone.test")
	resp, _ := get(t, g, "gone.test", "/")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 after Unbind", resp.StatusCode)
	}
}
