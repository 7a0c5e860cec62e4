// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the mlcore service.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► sets X-Request-ID (incoming value or a new UUID)
//	   │
//	   ▼
//	RequestLogger ──► one structured log line per request
//	   │
//	   ▼
//	APIKeyAuth ──► "Authorization: Bearer <key>" when a key is configured
//	   │
//	   ▼
//	Handler
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// requestIDKey is the gin context key for the request id.
const requestIDKey = "mlcore_request_id"

// maxRequestIDLen bounds client-supplied request ids.
const maxRequestIDLen = 128

// =============================================================================
// Request ID
// =============================================================================

// RequestID assigns every request an id. A well-formed incoming
// X-Request-ID is kept; otherwise a UUID is generated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen || strings.ContainsAny(id, "\r\n") {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Request logging
// =============================================================================

// RequestLogger logs method, path, status and latency for each request.
// /health and /metrics are logged at debug level. When a span is active
// its trace id is logged too.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if path == "/health" || path == "/metrics" {
			level = slog.LevelDebug
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		attrs := []any{
			"request_id", GetRequestID(c),
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		logger.Log(c.Request.Context(), level, "http request", attrs...)
	}
}

// =============================================================================
// API key auth
// =============================================================================

// APIKeyAuth requires "Authorization: Bearer <key>" matching key. An
// absent key disables the check.
//
// # Inputs
//
//   - key: Shared API key, sealed.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 on a missing or wrong key.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.APIKeyAuth(datatypes.NewSecret(cfg.Server.APIKey)))
func APIKeyAuth(key datatypes.Secret) gin.HandlerFunc {
	if !key.Present() {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		want, err := key.Reveal()
		if err != nil || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
				"code":  "UNAUTHORIZED",
			})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" when the header is missing or uses another scheme. The scheme is
// matched case-insensitively.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
