package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jurafish/aspia/internal/config"
	"github.com/jurafish/aspia/internal/peer"
	"github.com/jurafish/aspia/internal/router/directory"
)

// Server accepts peer connections on the router endpoint and hands
// them to the broker, one handler goroutine per accepted peer.
type Server struct {
	cfg    config.RouterConfig
	dir    *directory.Directory
	key    peer.KeyPair
	broker *Broker
	log    *slog.Logger
}

// New builds the router server over an opened directory.
func New(cfg config.RouterConfig, dir *directory.Directory, key peer.KeyPair, logger *slog.Logger) *Server {
	broker := NewBroker(BrokerConfig{
		ServerEndpoint:    cfg.PublicEndpoint,
		MaxConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerClient: cfg.MaxConnsPerClient,
	}, dir, logger)
	return &Server{
		cfg:    cfg,
		dir:    dir,
		key:    key,
		broker: broker,
		log:    logger,
	}
}

// Broker exposes the broker for status surfaces.
func (s *Server) Broker() *Broker {
	return s.broker
}

// Run serves until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/peer", func(w http.ResponseWriter, r *http.Request) {
		ch, err := peer.Accept(w, r, s.key)
		if err != nil {
			s.log.Warn("peer handshake failed", "remote_addr", r.RemoteAddr, "err", err)
			return
		}
		s.log.Info("peer connected", "remote_addr", ch.RemoteAddr(), "role", ch.Role(), "key_id", ch.SessionKeyID())
		go s.broker.HandlePeer(ctx, ch)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			s.log.Info("router listening (tls)", "addr", s.cfg.Listen)
			err = server.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			s.log.Info("router listening", "addr", s.cfg.Listen)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("router listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
