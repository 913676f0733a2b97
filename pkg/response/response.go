package response

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// Error codes
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidBody        = "INVALID_BODY"
	CodeUnknownJobType     = "UNKNOWN_JOB_TYPE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotFound           = "NOT_FOUND"
	CodeTooManyJobs        = "TOO_MANY_JOBS"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUpgradeRequired    = "UPGRADE_REQUIRED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeServiceError       = "SERVICE_ERROR"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	OK      bool              `json:"ok"`
	Code    string            `json:"code"`
	Message string            `json:"message,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// ValidationError reports per-field rule failures.
func ValidationError(c *fiber.Ctx, fields map[string]string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Code:   CodeValidationError,
		Errors: fields,
	})
}

func BadRequest(c *fiber.Ctx, code, message string) error {
	return Error(c, fiber.StatusBadRequest, code, message)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message)
}

// TooManyJobs rejects a submission while the runner is saturated.
func TooManyJobs(c *fiber.Ctx, message string, retryAfter int) error {
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
	return Error(c, fiber.StatusTooManyRequests, CodeTooManyJobs, message)
}

func RateLimited(c *fiber.Ctx, retryAfter int) error {
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded")
}

func ServiceUnavailable(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}
