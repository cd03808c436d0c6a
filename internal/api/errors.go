package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/park285/chess-escrow/internal/obslog"
	"github.com/park285/chess-escrow/pkg/escrowdto"
	"go.uber.org/zap"
)

// statusFor maps an error to its HTTP status by domain kind.
func statusFor(err error) int {
	e, ok := escrow.AsError(err)
	if !ok {
		return fiber.StatusInternalServerError
	}
	switch e.Kind {
	case escrow.KindValidation:
		return fiber.StatusBadRequest
	case escrow.KindAuthorization:
		if e == escrow.ErrInvalidSignature {
			return fiber.StatusUnauthorized
		}
		return fiber.StatusForbidden
	case escrow.KindState:
		if e == escrow.ErrGameNotFound {
			return fiber.StatusNotFound
		}
		return fiber.StatusConflict
	case escrow.KindArithmetic:
		if e == escrow.ErrArithmeticOverflow {
			return fiber.StatusUnprocessableEntity
		}
		return fiber.StatusInternalServerError
	case escrow.KindConflict:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func (h *Handler) errorHandler(c *fiber.Ctx, err error) error {
	out := escrowdto.DomainError{RequestID: requestID(c)}
	status := fiber.StatusInternalServerError

	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
		out.Code = "http_" + statusCode(fe.Code)
		out.Message = fe.Message
		return c.Status(status).JSON(out)
	}

	if e, ok := escrow.AsError(err); ok {
		status = statusFor(err)
		out.Code = string(e.Code)
		out.Message = h.message(e.Code)
		out.Retryable = e.Retryable()
		if out.Retryable {
			c.Set(fiber.HeaderRetryAfter, "1")
		}
		return c.Status(status).JSON(out)
	}

	obslog.L().Error("http_internal_error",
		zap.String("request_id", out.RequestID),
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	out.Code = "internal"
	out.Message = h.message("")
	return c.Status(status).JSON(out)
}

func (h *Handler) message(code escrow.Code) string {
	if h.msgs == nil {
		if code == "" {
			return "internal error"
		}
		return string(code)
	}
	return h.msgs.Error(code)
}

func statusCode(code int) string {
	switch code {
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusUnauthorized:
		return "unauthorized"
	case fiber.StatusForbidden:
		return "forbidden"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case fiber.StatusTooManyRequests:
		return "rate_limited"
	}
	return "error"
}
