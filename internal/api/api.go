// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package api exposes the command dispatcher, the audit log and the event bridge over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/schultz-is/rcon-admin/dispatch"
	"github.com/schultz-is/rcon-admin/internal/audit"
)

// DefaultAuditLimit is the number of audit entries returned when no limit is given.
const DefaultAuditLimit = 50

// Dispatcher runs actions on behalf of callers.
type Dispatcher interface {
	RunAs(ctx context.Context, callerID string, action dispatch.Action, args ...string) (string, error)
	Command(action dispatch.Action, args ...string) (string, error)
}

// AuditLog records and lists actions.
type AuditLog interface {
	Record(ctx context.Context, e audit.Entry) (audit.Entry, error)
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// Config contains settings to control the router.
type Config struct {
	Dispatcher Dispatcher

	// Audit, when set, records every action and serves GET /v1/audit.
	Audit AuditLog

	// Bridge, when set, is mounted at GET /v1/events.
	Bridge http.Handler

	// Token, when set, is required as a bearer token on the /v1 action and audit routes.
	Token string

	// AllowedOrigins lists CORS origins. "*" allows any origin.
	AllowedOrigins []string

	Logger *slog.Logger
}

type actionRequest struct {
	Caller string   `json:"caller" binding:"required"`
	Action string   `json:"action" binding:"required"`
	Args   []string `json:"args"`
}

type handler struct {
	cfg Config
}

// NewRouter builds the gin engine serving the API.
func NewRouter(cfg Config) *gin.Engine {
	h := &handler{cfg: cfg}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	router.Use(loggingMiddleware(cfg.Logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/openapi.json", func(c *gin.Context) {
		doc, err := OpenAPI()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"kind": "internal", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, doc)
	})

	v1 := router.Group("/v1")
	{
		if cfg.Bridge != nil {
			v1.GET("/events", gin.WrapH(cfg.Bridge))
		}

		protected := v1.Group("")
		protected.Use(bearerMiddleware(cfg.Token))
		protected.POST("/actions", h.runAction)
		protected.GET("/audit", h.listAudit)
	}

	return router
}

func (h *handler) runAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"kind": "usage", "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	action := dispatch.Action(req.Action)
	result, err := h.cfg.Dispatcher.RunAs(ctx, req.Caller, action, req.Args...)

	if h.cfg.Audit != nil {
		entry := audit.Entry{Caller: req.Caller, Action: req.Action, Args: req.Args, Result: result}
		// Command stays empty when the action does not build. RunAs already reported that failure,
		// or an earlier forbidden one, in err, and no command reached the server.
		if cmd, cerr := h.cfg.Dispatcher.Command(action, req.Args...); cerr == nil {
			entry.Command = cmd
		}
		if err != nil {
			entry.Kind, entry.Error = dispatch.KindOf(err), err.Error()
		}
		// The request context may already be done when the action timed out.
		if _, aerr := h.cfg.Audit.Record(context.WithoutCancel(ctx), entry); aerr != nil && h.cfg.Logger != nil {
			h.cfg.Logger.LogAttrs(ctx, slog.LevelError, "audit record failed", slog.Any("error", aerr))
		}
	}

	if err != nil {
		kind := dispatch.KindOf(err)
		c.JSON(StatusFor(kind), gin.H{"kind": kind, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *handler) listAudit(c *gin.Context) {
	if h.cfg.Audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log disabled"})
		return
	}

	limit := DefaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"kind": "usage", "error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := h.cfg.Audit.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"kind": "internal", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// StatusFor maps a failure kind from [dispatch.KindOf] to an HTTP status code.
func StatusFor(kind string) int {
	switch kind {
	case "usage":
		return http.StatusBadRequest
	case "forbidden":
		return http.StatusForbidden
	case "disallowed":
		return http.StatusUnprocessableEntity
	case "connect", "auth", "protocol":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	case "canceled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errUnauthorized is reported for missing or mismatched bearer tokens.
var errUnauthorized = errors.New("unauthorized")

func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	cc.AddAllowHeaders("Authorization")
	return cors.New(cc)
}
