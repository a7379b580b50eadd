package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openassembly/evote/internal/api"
	"github.com/openassembly/evote/internal/attendance"
	"github.com/openassembly/evote/internal/event"
	"github.com/openassembly/evote/internal/notify"
	"github.com/openassembly/evote/internal/results"
	"github.com/openassembly/evote/internal/scheduler"
	"github.com/openassembly/evote/internal/session"
	"github.com/openassembly/evote/internal/store"
	"github.com/openassembly/evote/internal/telemetry"
	"github.com/openassembly/evote/internal/vote"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Postgres struct {
		// Addr empty selects the in-memory store, for local development.
		Addr string
		User string
		Pass string
		Name string
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Notify struct {
		// BaseURL is the public prefix of voting links in ticket emails.
		BaseURL string
	}

	Scheduler struct {
		// Spec is the cron expression of the early-end sweep.
		Spec string
	}

	Vote struct {
		RatePerSecond float64
		Burst         int
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
		store    store.Store
	}

	service struct {
		session    *session.Service
		vote       *vote.Service
		results    *results.Service
		attendance *attendance.Service
		notify     *notify.Dispatcher
	}

	sweeper *scheduler.Sweeper
	http    *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initStore(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initStore() error {
	if s.c.Postgres.Addr == "" {
		slog.Warn("server: no postgres address configured, using in-memory store")
		s.infra.store = store.NewMemory()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s",
		s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Addr, s.c.Postgres.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.infra.postgres = db
	s.infra.store = pg
	return nil
}

func (s *Server) initService() error {
	s.service.session = session.NewService(session.Config{
		Store:    s.infra.store,
		EventBus: s.eb,
		Locker:   redsync.New(goredis.NewPool(s.infra.redis)),
	})

	s.service.vote = vote.NewService(vote.Config{
		Store:    s.infra.store,
		EventBus: s.eb,
	})

	s.service.results = results.NewService(results.Config{
		Store:    s.infra.store,
		EventBus: s.eb,
	})

	s.service.attendance = attendance.NewService(attendance.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis,
		Store:    s.infra.store,
		Prefix:   s.c.Redis.Prefix,
	})

	s.service.notify = notify.NewDispatcher(notify.Config{
		EventBus: s.eb,
		Store:    s.infra.store,
		BaseURL:  s.c.Notify.BaseURL,
	})

	sweeper, err := scheduler.New(scheduler.Config{
		Sessions: s.service.session,
		Store:    s.infra.store,
		Spec:     s.c.Scheduler.Spec,
	})
	if err != nil {
		return err
	}
	s.sweeper = sweeper

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	e.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), cors.Default())

	api.New(api.Config{
		Router:     e,
		Session:    s.service.session,
		Vote:       s.service.vote,
		Results:    s.service.results,
		Attendance: s.service.attendance,
		Notify:     s.service.notify,
		VoteRate:   rate.Limit(s.c.Vote.RatePerSecond),
		VoteBurst:  s.c.Vote.Burst,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	s.sweeper.Start()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.sweeper.Stop()
	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
