package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
)

// Health service names. The empty name reports the daemon as a whole.
const (
	HealthSync  = "chatsync.Sync"
	HealthCache = "chatsync.Cache"
)

// Server serves the control API on the session socket and gRPC health on
// the health socket.
type Server struct {
	http       *http.Server
	listener   net.Listener
	socketPath string

	grpc       *grpc.Server
	health     *health.Server
	healthLn   net.Listener
	healthPath string

	logger *zap.Logger
}

// NewServer binds both Unix domain sockets.
func NewServer(p Params, logger *zap.Logger, handler http.Handler) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}
	healthPath := p.HealthSocketPath
	if healthPath == "" {
		healthPath = session.HealthSocketPath(p.SessionName)
	}

	listener, err := listenUnix(socketPath)
	if err != nil {
		return nil, err
	}
	healthLn, err := listenUnix(healthPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &Server{
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener:   listener,
		socketPath: socketPath,
		grpc:       srv,
		health:     hs,
		healthLn:   healthLn,
		healthPath: healthPath,
		logger:     logger,
	}
	s.SetState(status.Booting)
	return s, nil
}

// listenUnix replaces a stale socket file and restricts the new one to the owner.
func listenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Start serves both sockets. It blocks until Stop.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath), zap.String("health", s.healthPath))
	errc := make(chan error, 2)
	go func() { errc <- s.grpc.Serve(s.healthLn) }()
	go func() {
		if err := s.http.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()
	for range 2 {
		if err := <-errc; err != nil {
			return err
		}
	}
	return nil
}

// SetState maps a daemon state onto the health services.
func (s *Server) SetState(st status.State) {
	overall, sync, cache := healthpb.HealthCheckResponse_SERVING, healthpb.HealthCheckResponse_NOT_SERVING, healthpb.HealthCheckResponse_SERVING
	switch st {
	case status.Booting, status.Stopping:
		overall, cache = healthpb.HealthCheckResponse_NOT_SERVING, healthpb.HealthCheckResponse_NOT_SERVING
	case status.Online:
		sync = healthpb.HealthCheckResponse_SERVING
	case status.Degraded:
		cache = healthpb.HealthCheckResponse_NOT_SERVING
	case status.Offline:
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(HealthSync, sync)
	s.health.SetServingStatus(HealthCache, cache)
}

// FollowState keeps the health services in step with daemon state changes.
func (s *Server) FollowState(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.Subscribe(bus.DaemonStatusChanged, 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if c, ok := evt.Payload.(status.StatusChange); ok {
					s.SetState(c.To)
				}
			}
		}
	}()
}

// Stop drains in-flight requests, then removes both socket files.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	s.health.Shutdown()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("control server shutdown", zap.Error(err))
		_ = s.http.Close()
	}
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	_ = os.Remove(s.socketPath)
	_ = os.Remove(s.healthPath)
}
