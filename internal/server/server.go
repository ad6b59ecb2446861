// Package server implements the daemon side of the control channel: a TLS
// listener speaking length-prefixed JSON messages, with token authentication
// and per-app operation serialization.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"sparkle/internal/auth"
	"sparkle/internal/deploy"
	"sparkle/internal/device"
	"sparkle/internal/domain/model"
	"sparkle/pkg/log"
	"sparkle/pkg/protocol"
)

// deployTimeout bounds a single deploy end to end, including builds,
// provisioning and the strategy window.
const deployTimeout = 30 * time.Minute

// opTimeout bounds the lighter operations.
const opTimeout = 2 * time.Minute

// Server accepts control connections and dispatches requests.
type Server struct {
	addr       string
	tlsConfig  *tls.Config
	tokens     *auth.Store
	deployer   *deploy.Deployer
	deviceName string
	idPath     string

	locks appLocks
}

// New creates a control server. addr is the TCP listen address; idPath is
// where the persistent machine id lives.
func New(addr string, tlsConfig *tls.Config, tokens *auth.Store, deployer *deploy.Deployer, deviceName, idPath string) *Server {
	return &Server{
		addr:       addr,
		tlsConfig:  tlsConfig,
		tokens:     tokens,
		deployer:   deployer,
		deviceName: deviceName,
		idPath:     idPath,
		locks:      newAppLocks(),
	}
}

// SetDeviceName updates the advertised device name (config reload).
func (s *Server) SetDeviceName(name string) {
	if name != "" {
		s.deviceName = name
	}
}

// Run listens until ctx is cancelled. Each connection is served on its own
// goroutine and may carry multiple requests.
func (s *Server) Run(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	log.Info("Control server listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("Accept failed", "error", err)
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log.Debug("Connection opened", "remote", remote)

	for {
		var req protocol.Request
		if err := protocol.ReadMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("Connection read failed", "remote", remote, "error", err)
			}
			return
		}

		resp := s.handle(ctx, &req)
		resp.ID = req.ID
		if err := protocol.WriteMessage(conn, resp); err != nil {
			log.Warn("Failed to write response", "remote", remote, "error", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	log.Info("Request received", "id", req.ID, "type", req.Type, "app", req.App)

	if req.Type == protocol.RequestSync {
		return s.handleSync(req)
	}

	if err := s.tokens.Verify(req.Token); err != nil {
		return errorResponse(err)
	}
	if req.App == "" {
		return &protocol.Response{Code: protocol.CodeInternal, Message: "request names no app"}
	}

	// One mutating operation per app at a time; concurrent requests are
	// rejected rather than queued so the operator sees the conflict
	// immediately. Status reads do not take the lock.
	if req.Type != protocol.RequestStatus {
		if !s.locks.TryLock(req.App) {
			return &protocol.Response{
				Code:    protocol.CodeBusy,
				Message: fmt.Sprintf("an operation is already in progress for %s", req.App),
			}
		}
		defer s.locks.Unlock(req.App)
	}

	timeout := opTimeout
	if req.Type == protocol.RequestDeploy {
		timeout = deployTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		state model.AppState
		err   error
	)
	switch req.Type {
	case protocol.RequestDeploy:
		state, err = s.deployer.Deploy(opCtx, req.App, req.Bundle, req.AutoHealth)
	case protocol.RequestStart:
		state, err = s.deployer.Start(opCtx, req.App)
	case protocol.RequestStop:
		state, err = s.deployer.Stop(req.App)
	case protocol.RequestRestart:
		state, err = s.deployer.Restart(opCtx, req.App)
	case protocol.RequestRollback:
		state, err = s.deployer.Rollback(opCtx, req.App)
	case protocol.RequestStatus:
		return s.handleStatus(req.App)
	default:
		return &protocol.Response{Code: protocol.CodeInternal, Message: fmt.Sprintf("unknown request type %q", req.Type)}
	}
	if err != nil {
		resp := errorResponse(err)
		resp.Status = s.appStatus(req.App, state)
		return resp
	}
	return &protocol.Response{Code: protocol.CodeOK, Status: s.appStatus(req.App, state)}
}

// handleSync pairs or rotates the operator token and returns the device
// inventory. The very first sync against an unpaired daemon needs no
// existing token.
func (s *Server) handleSync(req *protocol.Request) *protocol.Response {
	if req.NewToken != "" {
		if err := s.tokens.Register(req.Token, req.NewToken); err != nil {
			return errorResponse(err)
		}
	} else if err := s.tokens.Verify(req.Token); err != nil {
		return errorResponse(err)
	}

	info := device.Collect(s.idPath)
	di := &protocol.DeviceInfo{
		ID:          info.ID,
		Name:        s.deviceName,
		OS:          info.OS,
		Arch:        info.Arch,
		CPUCores:    info.CPUCores,
		MemoryBytes: info.MemoryBytes,
		Docker:      info.Docker,
	}

	apps, err := s.deployer.Apps()
	if err != nil {
		log.Warn("Failed to list apps for sync", "error", err)
	}
	for _, app := range apps {
		state, versions, err := s.deployer.Status(app)
		if err != nil {
			continue
		}
		st := s.appStatus(app, state)
		st.Versions = versions
		di.Apps = append(di.Apps, *st)
	}
	return &protocol.Response{Code: protocol.CodeOK, Device: di}
}

func (s *Server) handleStatus(app string) *protocol.Response {
	state, versions, err := s.deployer.Status(app)
	if err != nil {
		return errorResponse(err)
	}
	st := s.appStatus(app, state)
	st.Versions = versions
	return &protocol.Response{Code: protocol.CodeOK, Status: st}
}

func (s *Server) appStatus(app string, state model.AppState) *protocol.AppStatus {
	return &protocol.AppStatus{
		App:     app,
		State:   string(state.Status),
		Version: state.Version,
		PID:     state.PID,
		Port:    state.Port,
		Domain:  s.deployer.Domain(app),
	}
}

// errorResponse maps the domain error taxonomy onto protocol codes.
func errorResponse(err error) *protocol.Response {
	return &protocol.Response{Code: codeFor(err), Message: err.Error()}
}

func codeFor(err error) protocol.Code {
	switch {
	case errors.Is(err, model.ErrAuth):
		return protocol.CodeAuth
	case errors.Is(err, model.ErrManifest):
		return protocol.CodeManifest
	case errors.Is(err, model.ErrExtract):
		return protocol.CodeExtract
	case errors.Is(err, model.ErrBuild):
		return protocol.CodeBuild
	case errors.Is(err, model.ErrProvision):
		return protocol.CodeProvision
	case errors.Is(err, model.ErrHealthTimeout):
		return protocol.CodeHealthTimeout
	case errors.Is(err, model.ErrSpawn):
		return protocol.CodeSpawn
	case errors.Is(err, model.ErrRollback):
		return protocol.CodeRollback
	case errors.Is(err, model.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, model.ErrBusy):
		return protocol.CodeBusy
	default:
		return protocol.CodeInternal
	}
}
