package api

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/park285/chess-escrow/internal/msgcat"
	"github.com/park285/chess-escrow/pkg/escrowdto"
)

const requestIDKey = "request_id"

type Options struct {
	// AdminToken guards account funding; empty disables the route.
	AdminToken   string
	RateLimitRPS int
	Messages     *msgcat.Catalog

	// TrustedProxies may set X-Forwarded-For; without them the limiter keys on the socket address.
	TrustedProxies []string

	// Ping reports ledger health; nil means always healthy.
	Ping  func(ctx context.Context) error
	Clock escrow.Clock
}

type Handler struct {
	engine     *escrow.Engine
	dispatcher *escrow.Dispatcher
	msgs       *msgcat.Catalog
	adminToken string
	ping       func(ctx context.Context) error
	now        escrow.Clock
}

func NewHandler(e *escrow.Engine, opts Options) *Handler {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Handler{
		engine:     e,
		dispatcher: escrow.NewDispatcher(e),
		msgs:       opts.Messages,
		adminToken: strings.TrimSpace(opts.AdminToken),
		ping:       opts.Ping,
		now:        now,
	}
}

// NewApp builds the HTTP surface: signed instruction submission and read-only queries.
func NewApp(e *escrow.Engine, opts Options) *fiber.App {
	h := NewHandler(e, opts)

	cfg := fiber.Config{
		ErrorHandler:          h.errorHandler,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
		IdleTimeout:           60 * time.Second,
		DisableStartupMessage: true,
	}
	if len(opts.TrustedProxies) > 0 {
		cfg.ProxyHeader = fiber.HeaderXForwardedFor
		cfg.EnableTrustedProxyCheck = true
		cfg.TrustedProxies = opts.TrustedProxies
		cfg.EnableIPValidation = true
	}
	app := fiber.New(cfg)

	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{
		Generator:  uuid.NewString,
		ContextKey: requestIDKey,
	}))
	app.Use(accessLog)

	app.Get("/health", h.Health)

	v1 := app.Group("/api/v1")
	if opts.RateLimitRPS > 0 {
		v1.Use(limiter.New(limiter.Config{
			Max:          opts.RateLimitRPS,
			Expiration:   time.Second,
			KeyGenerator: func(c *fiber.Ctx) string { return c.IP() },
			LimitReached: func(c *fiber.Ctx) error {
				return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
			},
		}))
	}
	v1.Use(contentTypeValidator)

	v1.Post("/instructions", h.SubmitInstruction)
	v1.Get("/games/:room", h.GetGame)
	v1.Get("/rooms/open", h.OpenRooms)
	v1.Get("/addresses/:room", h.GetAddresses)
	v1.Get("/accounts/:id", h.GetBalance)
	v1.Post("/accounts/:id/fund", h.adminRequired, h.Fund)

	return app
}

func contentTypeValidator(c *fiber.Ctx) error {
	if c.Method() == fiber.MethodPost {
		ct := c.Get(fiber.HeaderContentType)
		if ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
			return fiber.NewError(fiber.StatusUnsupportedMediaType, "Content-Type must be application/json")
		}
	}
	return c.Next()
}

func (h *Handler) adminRequired(c *fiber.Ctx) error {
	if h.adminToken == "" {
		return fiber.NewError(fiber.StatusForbidden, "funding is disabled")
	}
	auth := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.adminToken)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "admin token required")
	}
	return c.Next()
}

func (h *Handler) Health(c *fiber.Ctx) error {
	out := escrowdto.Health{Status: "healthy", Time: h.now().Unix(), Ledger: "ok"}
	if h.ping != nil {
		if err := h.ping(c.UserContext()); err != nil {
			out.Status = "degraded"
			out.Ledger = err.Error()
			return c.Status(fiber.StatusServiceUnavailable).JSON(out)
		}
	}
	return c.JSON(out)
}
