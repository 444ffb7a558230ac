// Package server hosts the partyhub HTTP/WebSocket process.
//
// The transport is intentionally thin: it authenticates the peer before the
// WebSocket upgrade, translates JSON frames into party service calls, and
// pumps broadcast subscriptions back out as event frames.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"

	"github.com/squadup/partyhub/internal/broadcast"
	partyservice "github.com/squadup/partyhub/internal/party/service"
	"github.com/squadup/partyhub/internal/platform/timeouts"
)

const tokenCookieName = "ph_token"

// Authorizer resolves an access token to a user id before the upgrade.
type Authorizer interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// Config defines the inputs for the transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Deps carries the collaborators the server wires into its handlers.
type Deps struct {
	Service *partyservice.Service
	Hub     *broadcast.Hub
	// Authorizer may be nil; without it the server trusts the user_id query
	// parameter, which is only acceptable for tests and local development.
	Authorizer Authorizer
	// Gatherer backs the /metrics endpoint. Nil disables it.
	Gatherer prometheus.Gatherer
}

// Server hosts the partyhub HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

// NewServer builds a configured server.
func NewServer(config Config, deps Deps) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if deps.Service == nil {
		return nil, errors.New("party service is required")
	}
	if deps.Hub == nil {
		return nil, errors.New("broadcast hub is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// Run builds and serves a server until the context ends.
func Run(ctx context.Context, config Config, deps Deps) error {
	server, err := NewServer(config, deps)
	if err != nil {
		return fmt.Errorf("init partyhub server: %w", err)
	}
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve partyhub: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("partyhub server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

type wsUserIDContextKey struct{}

// NewHandler creates the partyhub routes.
func NewHandler(deps Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, deps.Service, deps.Hub)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID, err := resolveUserID(r, deps.Authorizer)
		if err != nil {
			log.Printf("partyhub: websocket unauthorized for remote=%s: %v", r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, userID)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

func resolveUserID(r *http.Request, authorizer Authorizer) (string, error) {
	if authorizer == nil {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			return "", errors.New("user_id is required when auth is disabled")
		}
		return userID, nil
	}

	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return "", errors.New("missing auth cookie")
	}
	token := strings.TrimSpace(cookie.Value)
	if token == "" {
		return "", errors.New("empty auth cookie")
	}

	userID, err := authorizer.Authenticate(r.Context(), token)
	if err != nil {
		return "", fmt.Errorf("token introspection: %w", err)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("introspection returned empty user id")
	}
	return userID, nil
}
