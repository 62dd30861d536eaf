package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"cashback-engine/internal/api"
	"cashback-engine/internal/bridge"
	"cashback-engine/internal/cache"
	"cashback-engine/internal/config"
	"cashback-engine/internal/engine"
	"cashback-engine/internal/listener"
	"cashback-engine/internal/observability"
	"cashback-engine/internal/partnerapi"
	"cashback-engine/internal/storage"
)

// Server owns the engine and everything wired around it.
type Server struct {
	cfg      config.Config
	mirror   storage.Mirror
	store    *storage.Store
	partners *partnerapi.Client
	hub      *bridge.Hub
	eng      *engine.Engine
	sweeper  *engine.Sweeper
	srv      *http.Server
}

// EngineOptions maps the engine config section onto engine.Options.
func EngineOptions(cfg config.Config) engine.Options {
	opts := engine.DefaultOptions()
	e := cfg.Engine
	if e.Cooldown > 0 {
		opts.Cooldown = e.Cooldown
	}
	if e.ActiveTTL > 0 {
		opts.ActiveTTL = e.ActiveTTL
	}
	if e.FallbackTTL > 0 {
		opts.FallbackTTL = e.FallbackTTL
	}
	if e.Countdown > 0 {
		opts.Countdown = e.Countdown
	}
	if e.Debounce > 0 {
		opts.Debounce = e.Debounce
	}
	if e.MaxInFlight > 0 {
		opts.MaxInFlight = e.MaxInFlight
	}
	if e.RedirectTimeout > 0 {
		opts.RedirectTimeout = e.RedirectTimeout
	}
	if e.ClickWindow > 0 {
		opts.ClickWindow = e.ClickWindow
	}
	if e.PendingTTL > 0 {
		opts.PendingTTL = e.PendingTTL
	}
	if e.UIEventTTL > 0 {
		opts.UIEventTTL = e.UIEventTTL
	}
	opts.UIRetries = e.UIRetries
	return opts
}

// New opens storage, builds the engine and restores its durable state.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	mirror, store, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	partners, err := partnerapi.New(partnerapi.Options{
		BaseURL:   cfg.PartnerAPI.BaseURL,
		Token:     cfg.PartnerAPI.Token,
		Timeout:   cfg.PartnerAPI.Timeout,
		CacheTTL:  cfg.PartnerAPI.CacheTTL,
		CacheSize: cfg.PartnerAPI.CacheSize,
	})
	if err != nil {
		_ = mirror.Close()
		return nil, fmt.Errorf("init partner api: %w", err)
	}

	hub := bridge.NewHub(cfg.Bridge.QueueSize)
	eng, err := engine.New(EngineOptions(cfg), engine.Deps{
		Partners:  partners,
		Redirects: partners,
		Clicks:    partners,
		Session:   partners,
		Browser:   hub,
		UI:        hub,
		Mirror:    mirror,
		Observer:  observability.EngineObserver{},
		Preferences: cache.NewSnapshot(engine.Preferences{
			RemindersEnabled: cfg.Preferences.RemindersEnabled,
			AutoActivate:     cfg.Preferences.AutoActivate,
		}),
		Excluded: cache.NewSnapshot(cfg.Engine.ExcludedHosts),
	})
	if err != nil {
		partners.Close()
		_ = mirror.Close()
		return nil, err
	}

	s := &Server{cfg: cfg, mirror: mirror, store: store, partners: partners, hub: hub, eng: eng}
	if err := eng.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.sweeper, err = engine.NewSweeper(eng, cfg.Engine.SweepSchedule)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.srv = &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     api.Router(api.NewTabHandler(eng, hub), cfg.Server.RequestTimeout),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Engine() *engine.Engine { return s.eng }

// Serve runs the HTTP server, the sweeper and, with Postgres, the change
// listener until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.sweeper.Start()
	defer s.sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", s.srv.Addr).Str("storage", s.cfg.Storage.Driver).Msg("http server starting")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if s.store != nil {
		g.Go(func() error {
			listener.ListenAndReload(gctx, s.store, s.eng, s.cfg.Listener.Channel, s.cfg.Backoff())
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown...")
		s.hub.Shutdown()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shCtx)
	})
	return g.Wait()
}

// Close releases the engine, the partner client and storage.
func (s *Server) Close() {
	s.eng.Close()
	s.partners.Close()
	if err := s.mirror.Close(); err != nil {
		log.Warn().Err(err).Msg("close storage")
	}
}

// Run serves until SIGINT or SIGTERM.
func Run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Serve(ctx)
}
