// Package health polls a freshly started application until it answers, or
// until the configured timeout elapses. It never mutates application state;
// the deployment state machine decides what a failed check means.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"sparkle/internal/domain/model"
	"sparkle/pkg/backoff"
	"sparkle/pkg/log"
)

// Poll intervals: the first probe fires quickly and the delay grows towards
// pollMax so slow-booting apps are not hammered.
const (
	pollBase = 500 * time.Millisecond
	pollMax  = 5 * time.Second
)

// Check describes one health probe.
type Check struct {
	// URL is probed with GET and passes on any 2xx response. Empty URL
	// switches to auto mode.
	URL string
	// Port is probed with a plain TCP connect in auto mode.
	Port int
	// Timeout bounds the whole polling loop.
	Timeout time.Duration
}

// Checker runs health checks.
type Checker struct {
	client *http.Client
}

// NewChecker returns a Checker with a per-probe HTTP timeout.
func NewChecker() *Checker {
	return &Checker{
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Run polls until the check passes or its timeout elapses, returning
// ErrHealthTimeout in the latter case. Cancelling ctx also fails the check.
func (c *Checker) Run(ctx context.Context, check Check) error {
	if check.URL == "" && check.Port == 0 {
		return nil // nothing to check
	}

	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := check.URL
	if target == "" {
		target = fmt.Sprintf("tcp://127.0.0.1:%d", check.Port)
	}
	log.Debug("Health check started", "target", target, "timeout", timeout)

	delay := backoff.New(pollBase, pollMax)
	for {
		if err := c.probe(ctx, check); err == nil {
			log.Info("Health check passed", "target", target, "attempts", delay.Attempt()+1)
			return nil
		} else {
			log.Debug("Health probe failed", "target", target, "error", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s did not become healthy within %s", model.ErrHealthTimeout, target, timeout)
		case <-time.After(delay.Next()):
		}
	}
}

func (c *Checker) probe(ctx context.Context, check Check) error {
	if check.URL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, check.URL, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", check.Port))
	if err != nil {
		return err
	}
	return conn.Close()
}
