package response

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func Error(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(ErrorBody{Error: message})
}

func ValidationError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusBadRequest, message)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, message)
}

func Forbidden(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusForbidden, message)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, message)
}

func Conflict(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusConflict, message)
}

// RateLimited writes the 429 rejection with the retry hint in the body.
func RateLimited(c *fiber.Ctx, retryAfterSeconds int) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	c.Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	return Error(c, fiber.StatusTooManyRequests,
		fmt.Sprintf("Rate limited. Try again in %d seconds.", retryAfterSeconds))
}

// ServiceError writes a 500 with the request id for correlation.
func ServiceError(c *fiber.Ctx, message string) error {
	requestID, _ := c.Locals("requestid").(string)
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorBody{
		Error:     message,
		RequestID: requestID,
	})
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}
