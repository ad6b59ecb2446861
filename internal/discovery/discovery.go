// Package discovery implements the LAN device discovery handshake: the CLI
// broadcasts a probe datagram and every daemon answers with its identity, so
// operators can find devices without knowing addresses.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"sparkle/pkg/log"
)

const (
	// Probe is the datagram the CLI broadcasts.
	Probe = "SPARK_DISCOVER"
	// replyPrefix starts every daemon answer; the remainder is a JSON
	// Announcement.
	replyPrefix = "SPARK_HERE"

	maxDatagram = 1024
)

// Announcement is the payload a daemon returns to a probe.
type Announcement struct {
	Name        string `json:"name"`
	ControlPort int    `json:"control_port"`

	// Addr is the daemon's address as seen by the prober; filled client-side.
	Addr string `json:"-"`
}

// Responder answers discovery probes on a UDP port.
type Responder struct {
	port     int
	announce Announcement
}

// NewResponder creates a responder advertising the given identity.
func NewResponder(port int, name string, controlPort int) *Responder {
	return &Responder{
		port:     port,
		announce: Announcement{Name: name, ControlPort: controlPort},
	}
}

// Run listens for probes until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: r.port})
	if err != nil {
		return fmt.Errorf("failed to listen for discovery on udp/%d: %w", r.port, err)
	}
	log.Info("Discovery responder listening", "port", r.port)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	reply, err := json.Marshal(r.announce)
	if err != nil {
		return err
	}
	reply = append([]byte(replyPrefix+" "), reply...)

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("discovery read failed: %w", err)
		}
		if strings.TrimSpace(string(buf[:n])) != Probe {
			continue
		}
		if _, err := conn.WriteToUDP(reply, addr); err != nil {
			log.Warn("Failed to answer discovery probe", "remote", addr.String(), "error", err)
		}
	}
}

// Scan broadcasts a probe and collects every answer arriving within the
// wait window.
func Scan(ctx context.Context, port int, wait time.Duration) ([]Announcement, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	if _, err := conn.WriteToUDP([]byte(Probe), dest); err != nil {
		return nil, fmt.Errorf("failed to broadcast discovery probe: %w", err)
	}

	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var found []Announcement
	seen := make(map[string]bool)
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// The deadline expiring ends the scan.
			return found, nil
		}
		msg := string(buf[:n])
		if !strings.HasPrefix(msg, replyPrefix) {
			continue
		}
		var ann Announcement
		if rest := strings.TrimSpace(strings.TrimPrefix(msg, replyPrefix)); rest != "" {
			if err := json.Unmarshal([]byte(rest), &ann); err != nil {
				log.Debug("Ignoring malformed discovery reply", "remote", addr.String(), "error", err)
				continue
			}
		}
		ann.Addr = addr.IP.String()
		if seen[ann.Addr] {
			continue
		}
		seen[ann.Addr] = true
		found = append(found, ann)
	}
}
