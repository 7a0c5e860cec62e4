// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes plugin.Capabilities over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/middleware"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/plugin"
	"github.com/gin-gonic/gin"
)

// MaxRequestBytes bounds request bodies. Base64 images dominate.
const MaxRequestBytes = 32 << 20

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Detail      string `json:"detail,omitempty"`
	Remediation string `json:"remediation,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleEcho echoes the request value.
func HandleEcho(caps plugin.Capabilities) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.EchoRequest
		if !bind(c, &req) {
			return
		}
		resp, err := caps.Echo(c.Request.Context(), req)
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleClassify classifies an image given by base64 or by a path
// relative to imageDir. With an empty imageDir, imagePath is rejected.
func HandleClassify(caps plugin.Capabilities, imageDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ClassifyImageRequest
		if !bind(c, &req) {
			return
		}
		if req.ImagePath != "" {
			p, err := confineImagePath(imageDir, req.ImagePath)
			if err != nil {
				WriteError(c, err)
				return
			}
			req.ImagePath = p
		}
		resp, err := caps.ClassifyImage(c.Request.Context(), req)
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// confineImagePath resolves name under root, following symlinks, and
// fails unless the result stays inside root. Missing files and escapes
// produce the same error.
func confineImagePath(root, name string) (string, error) {
	if root == "" {
		return "", mlerrors.InvalidRequest("imagePath is not accepted over HTTP, send base64Image")
	}
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", mlerrors.InvalidRequest("imagePath must be relative to the image directory")
	}
	unreadable := mlerrors.Decode("cannot read image file", nil)
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", unreadable
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(realRoot, rel))
	if err != nil {
		return "", unreadable
	}
	if r, err := filepath.Rel(realRoot, resolved); err != nil || !filepath.IsLocal(r) {
		return "", unreadable
	}
	return resolved, nil
}

// HandleGenerate runs a prompt, initializing the session on first use.
//
// # Description
//
// The first call may block for as long as the model takes to download
// and load. A client that disconnects stops waiting; initialization keeps
// running for other callers.
func HandleGenerate(caps plugin.Capabilities) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.GenerateTextRequest
		if !bind(c, &req) {
			return
		}
		resp, err := caps.GenerateText(c.Request.Context(), req)
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleStatus reports the session and classifiers.
func HandleStatus(caps plugin.Capabilities) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := caps.Status(c.Request.Context())
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleWarmup starts default session initialization and returns at once
// with 202 and the session status.
func HandleWarmup(caps plugin.Capabilities) gin.HandlerFunc {
	return func(c *gin.Context) {
		lc, ok := caps.(plugin.Lifecycle)
		if !ok {
			WriteError(c, mlerrors.UnsupportedPlatform("session warmup is not available on this platform"))
			return
		}
		c.JSON(http.StatusAccepted, lc.Warmup(context.WithoutCancel(c.Request.Context())))
	}
}

// HandleReloadClassifiers re-probes classification backends.
func HandleReloadClassifiers(caps plugin.Capabilities) gin.HandlerFunc {
	return func(c *gin.Context) {
		lc, ok := caps.(plugin.Lifecycle)
		if !ok {
			WriteError(c, mlerrors.UnsupportedPlatform("classifier reload is not available on this platform"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"classifiers": lc.ReloadClassifiers(c.Request.Context())})
	}
}

// bind decodes the JSON body into req, writing a 400 on failure.
func bind(c *gin.Context, req any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBytes)
	if err := c.ShouldBindJSON(req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:     "request body too large",
				Code:      "REQUEST_TOO_LARGE",
				RequestID: middleware.GetRequestID(c),
			})
			return false
		}
		WriteError(c, mlerrors.InvalidRequest("invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

// WriteError writes err as an ErrorResponse with the mapped status.
//
// # Description
//
// *mlerrors.Error values map through mlerrors.HTTPStatus. A caller that
// gave up (context canceled) gets 499 and a timed-out one 504. Anything
// else is 500 with a generic message.
func WriteError(c *gin.Context, err error) {
	resp := ErrorResponse{RequestID: middleware.GetRequestID(c)}
	status := mlerrors.HTTPStatus(err)

	var me *mlerrors.Error
	switch {
	case errors.As(err, &me):
		resp.Error = me.Message
		resp.Code = me.Code()
		resp.Detail = me.Detail
		// Decode causes can carry local paths and OS errors.
		if me.Err != nil && resp.Detail == "" && me.Kind != mlerrors.KindDecode {
			resp.Detail = me.Err.Error()
		}
		resp.Remediation = me.Remediation
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		resp.Error = "request timed out"
		resp.Code = "TIMEOUT"
	case errors.Is(err, context.Canceled):
		status = 499
		resp.Error = "request canceled"
		resp.Code = "CANCELED"
	default:
		resp.Error = "internal error"
		resp.Code = "INTERNAL"
	}
	c.AbortWithStatusJSON(status, resp)
}
