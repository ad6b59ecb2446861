package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sparkle/internal/domain/model"
)

func TestRunPassesOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewChecker()
	if err := c.Run(context.Background(), Check{URL: srv.URL, Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Run failed against a healthy endpoint: %v", err)
	}
}

func TestRunRetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker()
	if err := c.Run(context.Background(), Check{URL: srv.URL, Timeout: 15 * time.Second}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls.Load() < 3 {
		t.Errorf("expected at least 3 probes, got %d", calls.Load())
	}
}

func TestRunTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewChecker()
	err := c.Run(context.Background(), Check{URL: srv.URL, Timeout: time.Second})
	if !errors.Is(err, model.ErrHealthTimeout) {
		t.Fatalf("Run = %v, want ErrHealthTimeout", err)
	}
}

func TestRunTCPMode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	c := NewChecker()
	if err := c.Run(context.Background(), Check{Port: port, Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("TCP check failed: %v", err)
	}
}

func TestRunTCPModeTimesOutOnClosedPort(t *testing.T) {
	// Grab a port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := NewChecker()
	err = c.Run(context.Background(), Check{Port: port, Timeout: time.Second})
	if !errors.Is(err, model.ErrHealthTimeout) {
		t.Fatalf("Run = %v, want ErrHealthTimeout", err)
	}
}

func TestRunNothingToCheck(t *testing.T) {
	c := NewChecker()
	if err := c.Run(context.Background(), Check{}); err != nil {
		t.Fatalf("empty check must pass, got %v", err)
	}
}
