// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/handlers"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/middleware"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/plugin"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures route registration.
type Options struct {
	// Gatherer backs /metrics. Nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// APIKey, when present, guards every /v1 route.
	APIKey datatypes.Secret

	// ImageDir confines classify imagePath. Empty rejects imagePath.
	ImageDir string
}

// SetupRoutes registers the mlcore HTTP surface on router.
func SetupRoutes(router *gin.Engine, caps plugin.Capabilities, opts Options) {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	v1.Use(middleware.APIKeyAuth(opts.APIKey))
	{
		v1.POST("/echo", handlers.HandleEcho(caps))
		v1.POST("/classify", handlers.HandleClassify(caps, opts.ImageDir))
		v1.POST("/generate", handlers.HandleGenerate(caps))
		v1.GET("/status", handlers.HandleStatus(caps))
		v1.POST("/session/warmup", handlers.HandleWarmup(caps))
		v1.POST("/classifiers/reload", handlers.HandleReloadClassifiers(caps))
	}
}
