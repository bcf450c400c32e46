// Package server wires every core component into the single process-wide
// Server value spec.md §9 design notes call for: the ongoing-campaigns
// list, the protocol-info map, and the live-sessions set all live as
// fields reachable from one Server, not package-level globals, so tests
// can instantiate more than one. Grounded on the teacher's
// ConnectionManager/RelayServer composition root in
// relay/server/connection.go and cmd/relay-server/main.go.
package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spearit/spearhead/internal/acceptor"
	"github.com/spearit/spearhead/internal/adminapi"
	"github.com/spearit/spearhead/internal/campaign"
	"github.com/spearit/spearhead/internal/config"
	"github.com/spearit/spearhead/internal/events"
	"github.com/spearit/spearhead/internal/handshake"
	"github.com/spearit/spearhead/internal/labeler"
	"github.com/spearit/spearhead/internal/processing"
	"github.com/spearit/spearhead/internal/protoinfo"
	"github.com/spearit/spearhead/internal/repository"
	"github.com/spearit/spearhead/internal/router"
)

// Server owns every subsystem of spec.md §4: the acceptor, router,
// event queue, processing loop, and correlator, all built from one
// Config and one Repository.
type Server struct {
	cfg  *config.Config
	repo *repository.PostgresStore

	protoMap   *protoinfo.Map
	queue      *events.Queue
	correlator *campaign.Correlator
	router     *router.Router
	acceptor   *acceptor.Acceptor
	admin      *adminapi.Server

	sessionCache acceptor.SessionCache

	loop       *processing.Loop
	loopCancel context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Server from cfg, connecting to Postgres (and, if
// enabled, Redis) eagerly so startup fails fast on bad configuration.
func New(cfg *config.Config) (*Server, error) {
	repo, err := repository.NewPostgresStore(repository.PostgresConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("server: failed to connect to repository: %w", err)
	}

	protoMap := protoinfo.New(cfg.Server.ProtocolInfoPath)
	queue := events.NewQueue(cfg.Limits.QueueHighWaterMark)

	var labelerImpl campaign.Labeler
	if cfg.Labeler.Endpoint != "" {
		labelerImpl = labeler.NewHTTPLabeler(cfg.Labeler.Endpoint, time.Duration(cfg.Labeler.TimeoutSeconds)*time.Second)
	} else {
		labelerImpl = labeler.Static{}
	}

	correlator := campaign.New(repo, labelerImpl, campaign.Options{
		MatchThreshold:   cfg.Limits.CampaignMatchScoreThreshold,
		OngoingTimeout:   cfg.CampaignOngoingTimeout(),
		TCPFlowTimeoutNS: cfg.Limits.TCPFlowTimeoutNS,
	})

	r := router.New(router.Deps{
		ProtoMap:    protoMap,
		Queue:       queue,
		HeartbeatDB: repo,
		RulesDB:     repo,
	})

	sessionCache, err := buildSessionCache(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		repo:         repo,
		protoMap:     protoMap,
		queue:        queue,
		correlator:   correlator,
		router:       r,
		sessionCache: sessionCache,
		loop:         processing.New(queue, repo, correlator, processing.PollInterval),
	}

	s.acceptor = acceptor.New(sessionCache, r.Run, handshake.Options{
		Timeout:         cfg.HandshakeTimeout(),
		PlaintextFrames: !cfg.Server.EnableEncryption,
	})
	s.acceptor.Subscribe(func(ev acceptor.Event) {
		logEvent(ev)
	})
	s.admin = adminapi.New(cfg.APIAddr(), s)

	return s, nil
}

func buildSessionCache(cfg *config.Config) (acceptor.SessionCache, error) {
	if !cfg.Redis.Enabled {
		return acceptor.NewInProcessSessionCache(), nil
	}
	cache, err := acceptor.NewRedisSessionCache(acceptor.RedisSessionCacheConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	return cache, nil
}

func logEvent(ev acceptor.Event) {
	switch ev.Type {
	case acceptor.EventConnectionFailedToEstablish:
		log.Printf("server: %s peer=%s err=%v", ev.Type, ev.PeerAddr, ev.Err)
	case acceptor.EventConnectionTerminated:
		log.Printf("server: %s peer=%s err=%v", ev.Type, ev.PeerAddr, ev.Err)
	case acceptor.EventMessageReceived, acceptor.EventMessageSent:
		// high-volume; skip per-frame logging by default
	default:
		log.Printf("server: %s peer=%s", ev.Type, ev.PeerAddr)
	}
}

// Run starts the acceptor, processing loop, and admin API, blocking
// until ctx is canceled. It then runs the graceful-shutdown sequence of
// spec.md §5: stop accepting, close sessions, drain the queue, close
// ONGOING campaigns.
func (s *Server) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop.Run(loopCtx, s.cfg.ShutdownDrainTimeout())
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.admin.ListenAndServe(); err != nil {
			log.Printf("server: admin API error: %v", err)
		}
	}()

	acceptDone := make(chan error, 1)
	go func() { acceptDone <- s.acceptor.Serve(s.cfg.WrapperAddr()) }()

	select {
	case <-ctx.Done():
	case err := <-acceptDone:
		if err != nil {
			log.Printf("server: acceptor exited: %v", err)
		}
	}

	return s.Shutdown()
}

// Shutdown runs the graceful-stop sequence and releases repository
// resources. Safe to call once after Run's context is canceled, or
// directly by a caller that never called Run.
func (s *Server) Shutdown() error {
	if err := s.acceptor.Close(); err != nil {
		log.Printf("server: acceptor close error: %v", err)
	}
	s.acceptor.Wait()

	if s.loopCancel != nil {
		s.loopCancel()
	}
	if err := s.admin.Shutdown(); err != nil {
		log.Printf("server: admin API shutdown error: %v", err)
	}

	s.wg.Wait()

	s.correlator.CloseAll()

	return s.repo.Close()
}

// LiveSessionCount satisfies adminapi.StatsProvider.
func (s *Server) LiveSessionCount() int { return s.acceptor.LiveCount() }

// QueueDepth satisfies adminapi.StatsProvider.
func (s *Server) QueueDepth() int { return s.queue.Len() }

// QueueRejected satisfies adminapi.StatsProvider.
func (s *Server) QueueRejected() uint64 { return s.queue.Rejected() }

// OngoingCampaignCount satisfies adminapi.StatsProvider.
func (s *Server) OngoingCampaignCount() int { return len(s.correlator.Ongoing()) }
