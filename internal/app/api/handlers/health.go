package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing-orchestrator/pkg/response"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// @Summary      Health check
// @Description  Returns service status; reports the database as down when it cannot be pinged
// @Tags         System
// @Produce      json
// @Success      200  {object}  handlers.RespHealth
// @Router       /healthz [get]
func Healthz(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := map[string]string{"status": "ok", "database": "ok"}
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				status["status"], status["database"] = "degraded", err.Error()
				c.JSON(http.StatusServiceUnavailable, response.ErrorT(response.APIResponseCodeError, status))
				return
			}
		}
		c.JSON(http.StatusOK, response.OKT(status))
	}
}

func RegisterHealthRoutes(r gin.IRouter, db Pinger) {
	r.GET("/healthz", Healthz(db))
}
