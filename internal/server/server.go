// Package server assembles the HTTP API around a job runner.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/jobserver/internal/config"
	"github.com/makeasinger/jobserver/internal/handler"
	"github.com/makeasinger/jobserver/internal/job"
	"github.com/makeasinger/jobserver/internal/middleware"
	"github.com/makeasinger/jobserver/internal/service"
	ws "github.com/makeasinger/jobserver/internal/websocket"
	"github.com/makeasinger/jobserver/pkg/response"
)

type Server struct {
	cfg    *config.Config
	app    *fiber.App
	runner *service.JobRunner
	hub    *ws.Hub
	redis  *redis.Client
	log    *zap.Logger

	stopHub context.CancelFunc
}

// New wires the runner, the socket hub and the routes. Handlers must already
// be registered on registry.
func New(cfg *config.Config, registry *job.Registry, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, log: log}

	s.runner = service.NewJobRunner(service.RunnerConfig{
		JobsMax:  cfg.Jobs.Max,
		CacheMax: cfg.Jobs.CacheMax,
		CacheTTL: cfg.Jobs.CacheTTL,
		Threads:  cfg.Jobs.RunnerThreads,
		Timeout:  cfg.Jobs.Timeout,
	}, registry, log)

	hubCtx, stopHub := context.WithCancel(context.Background())
	s.hub = ws.NewHub(cfg.WS.GracePeriod, log)
	s.stopHub = stopHub
	go s.hub.Run(hubCtx)

	s.app = fiber.New(fiber.Config{
		ErrorHandler:          s.errorHandler,
		DisableStartupMessage: true,
	})
	s.routes(registry)
	return s
}

func (s *Server) routes(registry *job.Registry) {
	jobs := handler.NewJobHandler(s.runner, registry, s.hub, s.log)
	auth := middleware.NewAuthMiddleware(s.cfg.Auth.JWTSecret, s.cfg.Auth.Users, s.log)

	s.app.Use(recover.New())
	s.app.Use(middleware.AccessLog(s.log))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check, unauthenticated
	s.app.Get("/health", handler.Health)

	s.app.Use(auth.Authenticate())
	s.app.Get("/", jobs.Active)
	s.app.Post("/", append(s.submitLimit(), jobs.Submit)...)
	s.app.Get("/:id/ws", jobs.SocketUpgrade, jobs.Socket())
	s.app.Get("/:id", jobs.Status)
}

func (s *Server) submitLimit() []fiber.Handler {
	perMin := s.cfg.RateLimit.SubmitPerMin
	if perMin == 0 {
		return nil
	}

	var backend middleware.Limiter
	if s.cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.log.Warn("Redis not available, rate limiting fails open until it is", zap.Error(err))
		}
		backend = middleware.NewRedisLimiter(s.redis, perMin, time.Minute)
	} else {
		backend = middleware.NewMemoryLimiter(perMin, time.Minute)
	}
	return []fiber.Handler{middleware.NewRateLimiter(backend, s.log).SubmitLimit()}
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Runner returns the job runner.
func (s *Server) Runner() *service.JobRunner { return s.runner }

// Listen serves HTTP until Shutdown is called.
func (s *Server) Listen() error {
	addr := ":" + s.cfg.Server.Port
	s.log.Info("Server starting", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests, lets running jobs finish until ctx
// expires, then closes the remaining sockets.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.runner.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.stopHub()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	} else {
		s.log.Error("Unhandled error", zap.String("path", c.Path()), zap.Error(err))
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusUnauthorized:
		errCode = response.CodeUnauthorized
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge:
		errCode = response.CodeInvalidBody
	}
	return response.Error(c, code, errCode, message)
}
