package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/listener"
	"github.com/wudi/dwebgate/internal/logging"
	"go.uber.org/zap"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway     *Gateway
	manager     *listener.Manager
	adminServer *http.Server
	configPath  string
	watcher     *config.Watcher
	startTime   time.Time
	stopping    atomic.Bool

	mu            sync.Mutex // guards config and reloadHistory, serializes reloads
	config        *config.Config
	reloadHistory []ReloadResult
	adminAddr     net.Addr
}

// NewServer creates a new gateway server.
// configPath is the path to the YAML config file (used for reload).
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		manager:    listener.NewManager(),
		config:     cfg,
		configPath: configPath,
		startTime:  time.Now(),
	}

	for _, lc := range cfg.Listeners {
		if err := s.addListener(lc); err != nil {
			gw.Close(context.Background())
			return nil, err
		}
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

func (s *Server) addListener(lc config.ListenerConfig) error {
	l, err := listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:      lc.ID,
		Address: lc.Address,
		Handler: s.gateway.Handler(),
		TLS:     lc.TLS,
		HTTP:    lc.HTTP,
	})
	if err != nil {
		return fmt.Errorf("failed to create listener %s: %w", lc.ID, err)
	}
	if err := s.manager.Add(l); err != nil {
		return fmt.Errorf("failed to add listener %s: %w", lc.ID, err)
	}
	return nil
}

// Start binds the listeners and the admin server, and starts watching the
// config file when there is one.
func (s *Server) Start() error {
	if err := s.manager.StartAll(context.Background()); err != nil {
		return fmt.Errorf("listener manager error: %w", err)
	}

	if s.adminServer != nil {
		ln, err := net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			return fmt.Errorf("admin server error: %w", err)
		}
		s.mu.Lock()
		s.adminAddr = ln.Addr()
		s.mu.Unlock()
		logging.Info("Starting admin server", zap.String("address", ln.Addr().String()))
		go func() {
			if err := s.adminServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Admin server error", zap.Error(err))
			}
		}()
	}

	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		w.OnChange(func(cfg *config.Config) {
			result := s.apply(cfg)
			logReload("file change", result)
		})
		if err := w.Start(); err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		s.watcher = w
	}
	return nil
}

// Run starts the server and handles graceful shutdown.
// SIGHUP triggers a config reload; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		s.Shutdown(5 * time.Second)
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			logReload("SIGHUP", s.ReloadConfig())
		default:
			logging.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
			return s.Shutdown(30 * time.Second)
		}
	}
	return nil
}

func logReload(trigger string, result ReloadResult) {
	if result.Success {
		logging.Info("Config reloaded successfully",
			zap.String("trigger", trigger),
			zap.Strings("changes", result.Changes),
		)
	} else {
		logging.Error("Config reload failed",
			zap.String("trigger", trigger),
			zap.String("error", result.Error),
		)
	}
}

// Shutdown stops accepting connections, lets in-flight requests finish and
// releases the gateway.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.stopping.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}

	if err := s.manager.StopAll(ctx); err != nil {
		logging.Error("Listener manager shutdown error", zap.Error(err))
	}

	if err := s.gateway.Close(ctx); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		return err
	}

	logging.Info("Server shutdown complete")
	return nil
}

// ReloadConfig loads a new config from the config path and performs a hot reload.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		}
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		result := ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		}
		s.gateway.Metrics().RecordReload(false)
		s.mu.Lock()
		s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
		s.mu.Unlock()
		return result
	}
	return s.apply(newCfg)
}

// apply swaps the gateway onto cfg and reconciles the listeners.
func (s *Server) apply(cfg *config.Config) ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.gateway.Reload(context.Background(), cfg)
	if result.Success {
		s.reconcileListeners(cfg)
		s.config = cfg
	}
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	return result
}

// reconcileListeners adjusts listeners after a config reload.
// It stops removed listeners, starts new ones, and reloads TLS certs on existing ones.
func (s *Server) reconcileListeners(newCfg *config.Config) {
	oldIDs := make(map[string]bool)
	for _, l := range s.config.Listeners {
		oldIDs[l.ID] = true
	}
	newIDs := make(map[string]bool)
	for _, l := range newCfg.Listeners {
		newIDs[l.ID] = true
	}

	for id := range oldIDs {
		if newIDs[id] {
			continue
		}
		if l, ok := s.manager.Get(id); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.Stop(ctx); err != nil {
				logging.Error("Failed to stop removed listener", zap.String("id", id), zap.Error(err))
			}
			cancel()
			s.manager.Remove(id)
			logging.Info("Removed listener", zap.String("id", id))
		}
	}

	for _, lc := range newCfg.Listeners {
		if oldIDs[lc.ID] {
			if !lc.TLS.Enabled {
				continue
			}
			if l, ok := s.manager.Get(lc.ID); ok {
				if hl, ok := l.(*listener.HTTPListener); ok {
					if err := hl.ReloadTLSCert(lc.TLS.CertFile, lc.TLS.KeyFile); err != nil {
						logging.Error("Failed to reload TLS certificate", zap.String("id", lc.ID), zap.Error(err))
					}
				}
			}
			continue
		}
		if err := s.addListener(lc); err != nil {
			logging.Error("Failed to create new listener", zap.String("id", lc.ID), zap.Error(err))
			continue
		}
		l, _ := s.manager.Get(lc.ID)
		if err := l.Start(context.Background()); err != nil {
			logging.Error("Failed to start new listener", zap.String("id", lc.ID), zap.Error(err))
			s.manager.Remove(lc.ID)
			continue
		}
		logging.Info("Started new listener", zap.String("id", lc.ID), zap.String("address", l.Addr()))
	}
}

// appendReloadHistory appends a result and keeps last 50 entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > 50 {
		history = history[len(history)-50:]
	}
	return history
}

// Gateway returns the gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// ListenerManager returns the listener manager
func (s *Server) ListenerManager() *listener.Manager {
	return s.manager
}

// AdminAddr returns the admin server's bound address, or "" before Start.
func (s *Server) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminAddr == nil {
		return ""
	}
	return s.adminAddr.String()
}
