// Package handler wires the forwarding engine, model registry and trace log
// into the gateway's gin routes: the OpenAI-compatible /v1 surface plus the
// ambient health/stats endpoints.
package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"codexgw/internal/bridge"
	"codexgw/internal/engine"
	"codexgw/internal/health"
	"codexgw/internal/metrics"
	"codexgw/internal/modelsapi"
	"codexgw/internal/ratelimit"
	"codexgw/internal/router"
	"codexgw/internal/trace"
)

// Gateway holds every component a route handler needs to render a request.
type Gateway struct {
	Engine     *engine.Engine
	Models     *modelsapi.Registry
	Trace      *trace.Log
	Breakers   *router.Breakers
	Health     *health.Monitor
	Metrics    *metrics.Metrics
	RateLimit  ratelimit.Checker
	AdminToken string
}

// ChatCompletions serves /v1/chat/completions.
func (g *Gateway) ChatCompletions(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	clientStream, _ := body["stream"].(bool)
	g.forward(c, bridge.ShapeChat, clientStream, body)
}

// Responses serves /v1/responses.
func (g *Gateway) Responses(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	clientStream, _ := body["stream"].(bool)
	g.forward(c, bridge.ShapeResponses, clientStream, body)
}

func (g *Gateway) forward(c *gin.Context, shape bridge.ClientShape, clientStream bool, body map[string]any) {
	route := c.FullPath()
	sessionID := clientSessionID(c.Request, body)

	result, err := g.Engine.Forward(c.Request.Context(), route, shape, clientStream, body, sessionID)
	if err != nil {
		if ee, ok := err.(*engine.Error); ok {
			c.JSON(ee.Status, gin.H{"error": gin.H{"message": ee.Message}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	switch {
	case result.Passthrough:
		c.Data(result.Status, firstNonEmpty(result.ContentType, "application/json"), result.RawBody)
	case result.Stream:
		writeSSE(c, result.Lines)
	default:
		c.JSON(result.Status, result.Body)
	}
}

// writeSSE relays already-translated SSE line payloads to the client, one
// "data: " frame per line. It appends no terminator of its own: chat
// streams end with the "[DONE]" line their translator emits, Responses
// streams end with their response.completed event.
func writeSSE(c *gin.Context, lines []string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)

	for _, line := range lines {
		fmt.Fprintf(c.Writer, "data: %s\n\n", line)
		if canFlush {
			flusher.Flush()
		}
	}
}

// ListModels serves /v1/models.
func (g *Gateway) ListModels(c *gin.Context) {
	models := g.Models.List(c.Request.Context(), time.Now())
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

// GetModel serves /v1/models/:id.
func (g *Gateway) GetModel(c *gin.Context) {
	id := c.Param("id")
	m, ok := g.Models.Get(c.Request.Context(), time.Now(), id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "model not found"}})
		return
	}
	c.JSON(http.StatusOK, m)
}

// Healthz serves the liveness probe.
func (g *Gateway) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Stats serves the admin-guarded /internal/stats aggregate: request metrics
// over the trace window, circuit-breaker state and health-sweep counters.
func (g *Gateway) Stats(c *gin.Context) {
	sinceMs, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	untilMs, _ := strconv.ParseInt(c.Query("until"), 10, 64)

	out := gin.H{
		"requests": trace.BuildStats(g.Trace.Window(), sinceMs, untilMs),
		"breakers": g.Breakers.Stats(),
	}
	if g.Health != nil {
		out["health"] = g.Health.Stats()
	}
	if g.Metrics != nil {
		out["metrics"] = g.Metrics.Snapshot()
	}
	if g.RateLimit != nil {
		out["rate_limit"] = g.RateLimit.Stats()
	}
	c.JSON(http.StatusOK, out)
}

// RateLimitMiddleware gates every request by client IP (then the gateway-wide
// budget), recording denials into Metrics so they show up in Stats.
func (g *Gateway) RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.RateLimit == nil {
			c.Next()
			return
		}

		result, err := g.RateLimit.CheckIP(c.Request.Context(), c.ClientIP())
		if err != nil || (result != nil && !result.Allowed) {
			g.Metrics.RecordRateLimitHit("ip")
			body := gin.H{"error": gin.H{"message": "rate limit exceeded"}}
			if result != nil && result.RetryAt != nil {
				c.Header("Retry-After", result.RetryAt.UTC().Format(http.TimeFormat))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per completed request: method, path, status
// and latency.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		log.Info().
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}

// AdminAuth gates the /internal routes with a bearer token. A blank
// AdminToken disables the gate entirely, matching an unset ADMIN_TOKEN
// meaning "no auth configured" rather than "nothing can ever pass".
func (g *Gateway) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.AdminToken == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" || got != g.AdminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "unauthorized"}})
			return
		}
		c.Next()
	}
}

// clientSessionID lifts an optional session id the client supplied, tried
// in this order: the session_id/session-id/x-session-id/x-session_id
// headers, then the same keys in the JSON body. Returns "" if none were
// present, letting the engine fall back to its own derivation.
func clientSessionID(r *http.Request, body map[string]any) string {
	for _, h := range []string{"session_id", "session-id", "x-session-id", "x-session_id"} {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	for _, k := range []string{"session_id", "session-id", "x-session-id", "x-session_id"} {
		if v, ok := body[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
