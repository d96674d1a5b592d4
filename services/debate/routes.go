// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package debate

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all debate endpoints with the router group.
//
// Description:
//
//	Registers the /v1 endpoints. The group should already carry any
//	required middleware.
//
// Endpoints:
//
//	POST /v1/debate/turn - Process one debate turn
//	POST /v1/extract-labs - Extract structured lab values from report text
//	POST /v1/differential - Generate an initial differential
//	POST /v1/summary - Generate the final case summary
//	GET  /v1/debate/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	debate := rg.Group("/debate")
	{
		debate.POST("/turn", handlers.HandleDebateTurn)
		debate.GET("/health", handlers.HandleHealth)
	}

	rg.POST("/extract-labs", handlers.HandleExtractLabs)
	rg.POST("/differential", handlers.HandleDifferential)
	rg.POST("/summary", handlers.HandleSummary)
}
