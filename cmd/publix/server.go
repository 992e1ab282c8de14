package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AtlasGo/JATOS/internal/channel"
	"github.com/AtlasGo/JATOS/internal/config"
	"github.com/AtlasGo/JATOS/internal/dispatcher"
	"github.com/AtlasGo/JATOS/internal/idcookie"
	"github.com/AtlasGo/JATOS/internal/metrics"
	"github.com/AtlasGo/JATOS/internal/publix"
	"github.com/AtlasGo/JATOS/internal/storage"
)

// server owns everything a running publix instance needs. It is built once
// by serve and closed on shutdown.
type server struct {
	cfg    config.Config
	logger *slog.Logger

	store    storage.Store
	repo     *storage.Repository
	gatherer prometheus.Gatherer
	metrics  *metrics.Collector
	codec    *idcookie.Codec
	svc      *publix.Service
	groups   *dispatcher.Registry
	batches  *dispatcher.Registry
	sweepers []*dispatcher.Sweeper

	upgrader websocket.Upgrader
	chanCfg  channel.Config

	// channels run on chanCtx so Close can end hijacked connections, which
	// http.Server.Shutdown does not track.
	chanCtx    context.Context
	cancelChan context.CancelFunc
	chanWG     sync.WaitGroup
}

func newServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server, error) {
	store, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	repo := storage.NewRepository(store)
	if cfg.SeedFile != "" {
		seed, err := storage.LoadSeedFile(ctx, repo, cfg.SeedFile)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Info("seed loaded", "file", cfg.SeedFile,
			"studies", len(seed.Studies), "batches", len(seed.Batches), "workers", len(seed.Workers))
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(reg, "publix")

	dispCfg := func(store dispatcher.SessionStore) dispatcher.Config {
		return dispatcher.Config{
			RequestTimeout: cfg.RequestTimeout,
			QueueSize:      cfg.QueueSize,
			Store:          store,
			Logger:         logger,
			Metrics:        collector,
		}
	}
	groups := dispatcher.NewRegistry(dispatcher.KindGroup, dispCfg(publix.GroupSessions{Repo: repo}))
	batches := dispatcher.NewRegistry(dispatcher.KindBatch, dispCfg(publix.BatchSessions{Repo: repo}))

	chanCtx, cancel := context.WithCancel(context.Background())
	s := &server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		repo:     repo,
		gatherer: reg,
		metrics:  collector,
		codec:    idcookie.NewCodec(cfg.BasePath, logger, collector),
		groups:   groups,
		batches:  batches,
		upgrader: channel.NewUpgrader(cfg.AllowedOrigins),
		chanCfg: channel.Config{
			BufferSize:      cfg.BufferSize,
			PingInterval:    cfg.PingInterval,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
		chanCtx:    chanCtx,
		cancelChan: cancel,
	}
	s.svc = publix.New(publix.Config{
		Repo:    repo,
		Cookies: idcookie.NewService(cfg.BasePath, nil),
		Groups:  groups,
		Logger:  logger,
		Metrics: collector,
	})
	if cfg.SweepInterval > 0 {
		s.sweepers = []*dispatcher.Sweeper{
			dispatcher.NewSweeper(groups, publix.GroupFinished(repo), cfg.SweepInterval, logger),
			dispatcher.NewSweeper(batches, publix.BatchFinished(repo), cfg.SweepInterval, logger),
		}
	}
	return s, nil
}

func openStore(ctx context.Context, path string) (storage.Store, error) {
	if path == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenSQLite(ctx, path)
}

func (s *server) startSweepers(ctx context.Context) {
	for _, sw := range s.sweepers {
		go sw.Start(ctx)
	}
}

// Close ends all live channels, stops the sweepers and registries and closes
// the store.
func (s *server) Close() error {
	s.cancelChan()
	s.chanWG.Wait()
	for _, sw := range s.sweepers {
		sw.Stop()
	}
	s.groups.Close()
	s.batches.Close()
	return s.store.Close()
}

// routes builds the router. Everything is mounted under the base path.
func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler(s.gatherer))
	r.Get("/dispatchers", s.handleDispatchers)

	r.Route("/publix/{studyId}", func(r chi.Router) {
		// Live channels read the cookies themselves; a hijacked
		// connection cannot carry Set-Cookie headers.
		r.Get("/group/open", s.handleOpen(dispatcher.KindGroup))
		r.Get("/batch/open", s.handleOpen(dispatcher.KindBatch))

		r.Group(func(r chi.Router) {
			r.Use(s.codec.Middleware)
			r.Get("/start", s.handleStartStudy)
			r.Get("/next", s.handleStartNext)
			r.Get("/position/{position}/start", s.handleStartByPosition)
			r.Get("/abort", s.handleAbortStudy)
			r.Get("/end", s.handleFinishStudy)
			r.Post("/studySessionData", s.handleStudySessionData)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/group/join", s.handleJoinGroup)
			r.Post("/group/leave", s.handleLeaveGroup)

			r.Get("/{componentId}/start", s.handleStartComponent)
			r.Get("/{componentId}/initData", s.handleInitData)
			r.Put("/{componentId}/resultData", s.handleResultData(false))
			r.Post("/{componentId}/resultData", s.handleResultData(true))
			r.Get("/{componentId}/end", s.handleFinishComponent)
			r.Post("/{componentId}/log", s.handleLog)
		})
	})

	base := strings.TrimSuffix(s.cfg.BasePath, "/")
	if base == "" {
		return r
	}
	outer := chi.NewRouter()
	outer.Mount(base, r)
	return outer
}

// handleOpen upgrades to a live channel of the run's group or batch. The
// dispatcher is joined before the upgrade so that a full group is refused
// with a plain 403.
func (s *server) handleOpen(kind dispatcher.Kind) http.HandlerFunc {
	reg := s.groups
	params := s.svc.GroupChannel
	if kind == dispatcher.KindBatch {
		reg = s.batches
		params = s.svc.BatchChannel
	}

	return func(w http.ResponseWriter, r *http.Request) {
		id, err := runIDs(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		coll, err := s.codec.Parse(r.Cookies())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := params(r.Context(), coll, id.study, id.srid)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ch, err := channel.Open(r.Context(), reg, p, s.chanCfg, s.logger)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied.
			s.logger.Debug("upgrade failed", "kind", string(kind), "srid", id.srid, "error", err)
			ch.Abandon(context.Background())
			return
		}

		s.chanWG.Add(1)
		defer s.chanWG.Done()
		ch.Run(s.chanCtx, conn)
	}
}

type dispatcherInfo struct {
	ID int64 `json:"id"`
	dispatcher.Membership
}

// handleDispatchers lists the live dispatchers of both kinds with their
// members.
func (s *server) handleDispatchers(w http.ResponseWriter, r *http.Request) {
	out := make(map[dispatcher.Kind][]dispatcherInfo, 2)
	for _, reg := range []*dispatcher.Registry{s.groups, s.batches} {
		list, err := listDispatchers(r.Context(), reg)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out[reg.Kind()] = list
	}
	writeJSON(w, out)
}

func listDispatchers(ctx context.Context, reg *dispatcher.Registry) ([]dispatcherInfo, error) {
	ids, err := reg.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s dispatchers: %w", reg.Kind(), err)
	}
	list := make([]dispatcherInfo, 0, len(ids))
	for _, id := range ids {
		d, ok, err := reg.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m, err := d.Members(ctx)
		if errors.Is(err, dispatcher.ErrStopped) {
			continue
		}
		if err != nil {
			return nil, err
		}
		list = append(list, dispatcherInfo{ID: id, Membership: m})
	}
	return list, nil
}
