package handlers

import (
	"net/http"
	"runtime"
	"time"

	"evoting-tally/mq"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SystemInfo contains basic system metrics and information
type SystemInfo struct {
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	Uptime       string         `json:"uptime"`
	StartTime    time.Time      `json:"start_time"`
	CurrentTime  time.Time      `json:"current_time"`
	GoVersion    string         `json:"go_version"`
	NumGoroutine int            `json:"num_goroutine"`
	NumCPU       int            `json:"num_cpu"`
	DBStatus     string         `json:"db_status"`
	Queue        map[string]any `json:"queue,omitempty"`
}

var (
	startTime = time.Now()
	version   = "0.1.0" // overridden with -ldflags at build time
)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// StatusHandler reports process, database and queue state.
type StatusHandler struct {
	db    *gorm.DB
	queue mq.Queue
}

// NewStatusHandler creates the handler. queue may be nil.
func NewStatusHandler(db *gorm.DB, queue mq.Queue) *StatusHandler {
	return &StatusHandler{db: db, queue: queue}
}

// SystemStatus serves GET /api/status.
func (h *StatusHandler) SystemStatus(c *gin.Context) {
	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		dbStatus = "error"
	}

	info := SystemInfo{
		Status:       "ok",
		Version:      version,
		Uptime:       time.Since(startTime).String(),
		StartTime:    startTime,
		CurrentTime:  time.Now(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		DBStatus:     dbStatus,
	}
	if h.queue != nil {
		info.Queue = h.queue.Stats(c.Request.Context())
	}

	status := http.StatusOK
	if dbStatus != "ok" {
		info.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, info)
}
