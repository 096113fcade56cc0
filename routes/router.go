package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"evoting-tally/app"
	"evoting-tally/handlers"
	"evoting-tally/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server wraps the HTTP server.
type Server struct {
	*http.Server
}

// SetupRouter registers every API route.
func SetupRouter(a *app.App) *gin.Engine {
	if a.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // restrict to the front-end origin in production
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	votings := handlers.NewVotingHandler(a.Votings)
	tally := handlers.NewTallyHandler(a.Votings, a.Tally, a.Queue)
	status := handlers.NewStatusHandler(a.DB, a.Queue)
	ws := websocket.NewHandler(a.Hub)

	api := router.Group("/api")
	{
		api.GET("/health", handlers.HealthCheck)
		api.GET("/status", status.SystemStatus)

		limited := api.Group("")
		limited.Use(handlers.RateLimitMiddleware(a.Limiter))
		limited.POST("/apportionment", handlers.Apportion)

		v := limited.Group("/votings")
		{
			v.POST("", votings.CreateVoting)
			v.GET("", votings.ListVotings)
			v.GET("/:id", votings.GetVoting)
			v.PUT("/:id/postproc", votings.UpdatePostProc)
			v.GET("/:id/results", votings.GetResults)
			v.POST("/:id/tally", tally.TriggerTally)
		}

		api.GET("/votings/:id/ws", ws.HandleTallyEvents)

		admin := api.Group("/admin")
		{
			admin.POST("/tally/dead-letters/retry", tally.RetryDeadLetters)
		}
	}

	return router
}

// StartServer serves router on port in the background.
func StartServer(router *gin.Engine, port string) *Server {
	if port == "" {
		port = "8090"
	}
	addr := ":" + port

	srv := &Server{
		&http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	return srv
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		slog.Info("request", attrs...)
	}
}
