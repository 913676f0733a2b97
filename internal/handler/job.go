package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/makeasinger/jobserver/internal/job"
	"github.com/makeasinger/jobserver/internal/model"
	"github.com/makeasinger/jobserver/pkg/response"
)

// retryAfterSeconds is advertised when the runner is saturated.
const retryAfterSeconds = 10

const localsJob = "job"

// JobRunner is the part of the runner the HTTP layer drives.
type JobRunner interface {
	AddJob(ctx context.Context, spec job.Spec) (string, error)
	Lookup(id string) (*job.Job, error)
	ActiveCount() int
}

// SpecDecoder turns a request body into a validated job spec.
type SpecDecoder interface {
	Decode(data []byte) (job.Spec, error)
}

// SocketServer streams a job's events over an upgraded connection.
type SocketServer interface {
	Serve(conn *websocket.Conn, j *job.Job)
}

type JobHandler struct {
	runner  JobRunner
	decoder SpecDecoder
	sockets SocketServer
	log     *zap.Logger
}

func NewJobHandler(runner JobRunner, decoder SpecDecoder, sockets SocketServer, log *zap.Logger) *JobHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobHandler{
		runner:  runner,
		decoder: decoder,
		sockets: sockets,
		log:     log.Named("handler"),
	}
}

// Health handles GET /health
func Health(c *fiber.Ctx) error {
	return response.OK(c, model.HealthResponse{OK: true})
}

// Active handles GET /
func (h *JobHandler) Active(c *fiber.Ctx) error {
	return response.OK(c, model.ActiveResponse{JobsActive: h.runner.ActiveCount()})
}

// Submit handles POST /
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	spec, err := h.decoder.Decode(c.Body())
	if err != nil {
		return h.fail(c, err)
	}

	id, err := h.runner.AddJob(c.UserContext(), spec)
	if err != nil {
		return h.fail(c, err)
	}

	return response.Created(c, model.JobCreatedResponse{ID: id})
}

// Status handles GET /:id
func (h *JobHandler) Status(c *fiber.Ctx) error {
	j, err := h.runner.Lookup(c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, model.NewJobStatus(j.Snapshot()))
}

// SocketUpgrade guards GET /:id/ws: it resolves the job first so unknown
// ids get a plain 404, then requires an upgrade request.
func (h *JobHandler) SocketUpgrade(c *fiber.Ctx) error {
	j, err := h.runner.Lookup(c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	if !websocket.IsWebSocketUpgrade(c) {
		return response.Error(c, fiber.StatusUpgradeRequired, response.CodeUpgradeRequired,
			"Expected a WebSocket upgrade request")
	}
	c.Locals(localsJob, j)
	return c.Next()
}

// Socket handles GET /:id/ws once upgraded.
func (h *JobHandler) Socket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		j, ok := conn.Locals(localsJob).(*job.Job)
		if !ok {
			return
		}
		h.sockets.Serve(conn, j)
	})
}

// fail maps a request-time error onto the JSON envelope.
func (h *JobHandler) fail(c *fiber.Ctx, err error) error {
	var verr *job.ValidationError
	switch {
	case errors.As(err, &verr):
		h.log.Debug("Rejected job spec", zap.Any("errors", verr.Fields))
		return response.ValidationError(c, verr.Fields)
	case errors.Is(err, job.ErrInvalidBody):
		h.log.Debug("Rejected request body", zap.Error(err))
		return response.BadRequest(c, response.CodeInvalidBody, err.Error())
	case errors.Is(err, job.ErrUnknownJobType):
		h.log.Debug("Rejected job spec", zap.Error(err))
		return response.BadRequest(c, response.CodeUnknownJobType, err.Error())
	case errors.Is(err, job.ErrTooManyJobs):
		h.log.Warn("Job rejected", zap.Error(err))
		return response.TooManyJobs(c, err.Error(), retryAfterSeconds)
	case errors.Is(err, job.ErrJobNotFound):
		return response.NotFound(c, fmt.Sprintf("No such job ID '%s'", c.Params("id")))
	case errors.Is(err, job.ErrRunnerClosed):
		return response.ServiceUnavailable(c, err.Error())
	case errors.Is(err, context.Canceled):
		return response.ServiceUnavailable(c, "request cancelled")
	default:
		h.log.Error("Request failed", zap.Error(err))
		return response.ServiceError(c, err.Error())
	}
}
