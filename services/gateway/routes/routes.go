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
	"net/http"

	"github.com/AleutianAI/AleutianScope/services/gateway/handlers"
	"github.com/gin-gonic/gin"
)

// SetupRoutes registers the gateway endpoints on router. metrics serves
// /metrics and may be nil, in which case the route is not registered.
// Debug and admin routes are registered only when enableDebug is set.
func SetupRoutes(router *gin.Engine, deps *handlers.Dependencies, metrics http.Handler, enableDebug bool) {
	router.GET("/health", handlers.HandleHealth(deps))
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/chat", handlers.HandleChat(deps))
	}

	if enableDebug {
		debug := router.Group("/debug")
		{
			debug.GET("/config", handlers.HandleDebugConfig(deps))
			debug.GET("/cache", handlers.HandleDebugCache(deps))
		}

		admin := router.Group("/admin")
		{
			admin.POST("/cache/clear", handlers.HandleClearCache(deps))
			admin.POST("/telemetry", handlers.HandleReconfigureTelemetry(deps))
		}
	}
}
