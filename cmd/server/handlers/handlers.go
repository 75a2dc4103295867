// Package handlers serves the sync server's REST API.
package handlers

import (
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/fieldledger/fieldledger/backend/internal/app"
	"github.com/fieldledger/fieldledger/backend/internal/db"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	syncpkg "github.com/fieldledger/fieldledger/backend/internal/sync"
	"github.com/fieldledger/fieldledger/backend/internal/sync/client"
	"github.com/fieldledger/fieldledger/backend/internal/sync/conflict"
	"github.com/fieldledger/fieldledger/backend/internal/sync/nodes"
	"github.com/fieldledger/fieldledger/backend/internal/sync/protocol"
)

// Options configures the HTTP layer.
type Options struct {
	AdminToken     string
	AllowedOrigins string
	BodyLimit      int
	MaxDecoded     int64
	Version        string
}

// Handler holds the server components the routes need.
type Handler struct {
	exchanger syncpkg.Exchanger
	nodes     *nodes.Registry
	db        *db.DB
	resolver  *conflict.Resolver
	opts      Options
	started   time.Time
}

// New creates a Handler over a bound server stack.
func New(stack *app.Stack, opts Options) *Handler {
	if opts.MaxDecoded <= 0 {
		opts.MaxDecoded = protocol.DefaultMaxDecoded
	}
	return &Handler{
		exchanger: stack.Engine,
		nodes:     stack.Nodes,
		db:        stack.DB,
		resolver:  stack.Resolver,
		opts:      opts,
		started:   time.Now(),
	}
}

// NewApp builds the fiber application with every route mounted.
func NewApp(h *Handler) *fiber.App {
	a := fiber.New(fiber.Config{
		AppName:               "fieldledger-server",
		ErrorHandler:          errorHandler,
		BodyLimit:             h.opts.BodyLimit,
		DisableStartupMessage: true,
	})
	a.Use(recover.New())
	origins := h.opts.AllowedOrigins
	if origins == "" {
		origins = "*"
	}
	a.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Content-Encoding,Accept,Accept-Encoding,Authorization," + client.AdminTokenHeader,
	}))
	a.Use(logger.New(logger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))
	h.Routes(a)
	return a
}

// Routes mounts the sync API.
func (h *Handler) Routes(a *fiber.App) {
	a.Get("/health", h.Health)

	api := a.Group("/api/sync")
	api.Post("/register", h.Register)
	api.Post("/exchange", h.Exchange)
	api.Get("/status/:node_id", h.Status)

	admin := api.Group("", h.requireAdmin)
	admin.Get("/nodes", h.ListNodes)
	admin.Post("/nodes/:node_id/unblock", h.Unblock)
	admin.Post("/nodes/:node_id/deactivate", h.Deactivate)
	admin.Get("/statistics", h.Statistics)
	admin.Get("/conflicts", h.ListConflicts)
	admin.Get("/conflicts/manual", h.ListManualConflicts)
	admin.Post("/conflicts/manual/:id/resolve", h.ResolveManual)
}

// errorHandler renders AppErrors with their mapped status and code.
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if stderrors.As(err, &fe) {
		return c.Status(fe.Code).JSON(client.ErrorResponse{Error: fe.Message})
	}
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	status := apperrors.HTTPStatus(code)
	msg := err.Error()
	if status >= fiber.StatusInternalServerError {
		logging.ErrorWithCode("request failed", string(code), err, map[string]interface{}{
			"method": c.Method(),
			"path":   c.Path(),
		})
		msg = "internal server error"
	}
	var ae *apperrors.AppError
	if stderrors.As(err, &ae) && status < fiber.StatusInternalServerError {
		msg = ae.Message
	}
	return c.Status(status).JSON(client.ErrorResponse{Error: msg, Code: code})
}

func bearer(c *fiber.Ctx) string {
	auth := c.Get(fiber.HeaderAuthorization)
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func (h *Handler) isAdmin(c *fiber.Ctx) bool {
	if h.opts.AdminToken == "" {
		return false
	}
	given := c.Get(client.AdminTokenHeader)
	return subtle.ConstantTimeCompare([]byte(given), []byte(h.opts.AdminToken)) == 1
}

// requireAdmin guards operator routes. Without a configured admin token the
// operator API is disabled.
func (h *Handler) requireAdmin(c *fiber.Ctx) error {
	if h.opts.AdminToken == "" {
		return apperrors.New(apperrors.ErrPermission, "admin API is disabled")
	}
	if !h.isAdmin(c) {
		logging.Security("admin authentication failed", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return apperrors.New(apperrors.ErrAuthentication, "invalid admin token")
	}
	return c.Next()
}

// Health handles GET /health.
func (h *Handler) Health(c *fiber.Ctx) error {
	if err := h.db.PingContext(c.UserContext()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": "database unavailable"})
	}
	return c.JSON(fiber.Map{
		"status":         "ok",
		"version":        h.opts.Version,
		"schema_version": h.nodes.SchemaVersion(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Register handles POST /api/sync/register.
func (h *Handler) Register(c *fiber.Ctx) error {
	if h.opts.AdminToken != "" && !h.isAdmin(c) {
		logging.Security("registration refused", map[string]interface{}{"ip": c.IP()})
		return apperrors.New(apperrors.ErrAuthentication, "registration requires the admin token")
	}
	var req client.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	ctx := c.UserContext()
	node, token, err := h.nodes.Register(ctx, req.Code, req.Name)
	if err != nil {
		return err
	}
	local, err := h.nodes.LocalNode(ctx)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(client.RegisterResponse{
		NodeID:        string(node.ID),
		Token:         token,
		ServerNodeID:  string(local.ID),
		ServerCode:    local.Code,
		SchemaVersion: h.nodes.SchemaVersion(),
	})
}

// Exchange handles POST /api/sync/exchange. Bodies travel gzipped; plain
// JSON is accepted for tooling.
func (h *Handler) Exchange(c *fiber.Ctx) error {
	token := bearer(c)
	if token == "" {
		return apperrors.New(apperrors.ErrAuthentication, "missing bearer token")
	}

	// Raw bytes: Ctx.Body would inflate the body itself, without our limit.
	raw := c.Request().Body()
	var (
		env *protocol.Envelope
		err error
	)
	if strings.EqualFold(c.Get(fiber.HeaderContentEncoding), protocol.ContentEncoding) {
		env, err = protocol.Decode(raw, h.opts.MaxDecoded)
	} else {
		env, err = protocol.Unmarshal(raw)
	}
	if err != nil {
		return err
	}

	resp, err := h.exchanger.Exchange(c.UserContext(), token, env)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, protocol.ContentType)
	if strings.Contains(strings.ToLower(c.Get(fiber.HeaderAcceptEncoding)), protocol.ContentEncoding) {
		out, err := protocol.Encode(resp)
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderContentEncoding, protocol.ContentEncoding)
		return c.Send(out)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSerialization, "encode envelope", err)
	}
	return c.Send(out)
}

// Status handles GET /api/sync/status/:node_id. A node may read its own
// status with its token; the admin token reads any.
func (h *Handler) Status(c *fiber.Ctx) error {
	nodeID := c.Params("node_id")
	ctx := c.UserContext()
	if !h.isAdmin(c) {
		if _, err := h.nodes.Authenticate(ctx, nodeID, bearer(c)); err != nil {
			return err
		}
	}
	st, err := h.nodes.Status(ctx, nodeID)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

// ListNodes handles GET /api/sync/nodes.
func (h *Handler) ListNodes(c *fiber.Ctx) error {
	list, err := h.nodes.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"nodes": list, "count": len(list)})
}

// Unblock handles POST /api/sync/nodes/:node_id/unblock.
func (h *Handler) Unblock(c *fiber.Ctx) error {
	nodeID := c.Params("node_id")
	if err := h.nodes.Unblock(c.UserContext(), nodeID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"node_id": nodeID, "blocked": false})
}

// Deactivate handles POST /api/sync/nodes/:node_id/deactivate.
func (h *Handler) Deactivate(c *fiber.Ctx) error {
	nodeID := c.Params("node_id")
	if err := h.nodes.Deactivate(c.UserContext(), nodeID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"node_id": nodeID, "active": false})
}

// Statistics handles GET /api/sync/statistics.
func (h *Handler) Statistics(c *fiber.Ctx) error {
	st, err := h.nodes.Statistics(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(st)
}

// ListConflicts handles GET /api/sync/conflicts?entity_uuid=&kind=&limit=&offset=.
func (h *Handler) ListConflicts(c *fiber.Ctx) error {
	f := db.HistoryFilter{
		EntityUUID: c.Query("entity_uuid"),
		Kind:       models.HistoryKind(c.Query("kind")),
		Limit:      c.QueryInt("limit", 100),
		Offset:     c.QueryInt("offset", 0),
	}
	switch f.Kind {
	case "", models.HistoryConflict, models.HistoryManual, models.HistoryRejected:
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown history kind %q", f.Kind)
	}
	rows, err := db.NewRepository(h.db).ListHistory(c.UserContext(), f)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"history": rows, "count": len(rows)})
}

// ListManualConflicts handles GET /api/sync/conflicts/manual?status=.
func (h *Handler) ListManualConflicts(c *fiber.Ctx) error {
	status := models.ManualConflictStatus(c.Query("status", string(models.ManualPending)))
	rows, err := db.NewRepository(h.db).ListManualConflicts(c.UserContext(), status)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conflicts": rows, "count": len(rows)})
}

// ResolveRequest is the body of a manual resolution.
type ResolveRequest struct {
	Choice string `json:"choice"` // keep_local or take_incoming
}

// ResolveManual handles POST /api/sync/conflicts/manual/:id/resolve.
func (h *Handler) ResolveManual(c *fiber.Ctx) error {
	var req ResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	ctx := c.UserContext()
	var mc *models.ManualConflict
	err := h.db.WithTx(ctx, func(tx *db.Tx) error {
		var err error
		mc, err = h.resolver.ResolveManual(ctx, db.NewRepository(tx), c.Params("id"), conflict.Outcome(req.Choice))
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(mc)
}
