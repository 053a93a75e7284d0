package handler

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
)

const serviceVersion = "1.0.0"

// HealthHandler serves unauthenticated liveness endpoints.
type HealthHandler struct {
	startedAt time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{startedAt: time.Now()}
}

// Health godoc
// @Summary Liveness probe
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"uptime":    time.Since(h.startedAt).Seconds(),
		"message":   "server is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    "OK",
		"version":   serviceVersion,
	})
}

// Detailed godoc
// @Summary Liveness probe with runtime diagnostics
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health/detailed [get]
func (h *HealthHandler) Detailed(c echo.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return c.JSON(http.StatusOK, echo.Map{
		"uptime":    time.Since(h.startedAt).Seconds(),
		"message":   "detailed server status",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    "OK",
		"version":   serviceVersion,
		"system": echo.Map{
			"platform":  runtime.GOOS,
			"goVersion": runtime.Version(),
			"memory": echo.Map{
				"alloc":      mbString(mem.Alloc),
				"totalAlloc": mbString(mem.TotalAlloc),
				"sys":        mbString(mem.Sys),
				"heapInUse":  mbString(mem.HeapInuse),
			},
		},
	})
}

func mbString(b uint64) string {
	return fmt.Sprintf("%d MB", b/1024/1024)
}
