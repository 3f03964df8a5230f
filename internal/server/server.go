package server

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/internal/deps"
	"github.com/makeasinger/karaoke/internal/handler"
	"github.com/makeasinger/karaoke/internal/middleware"
	"github.com/makeasinger/karaoke/internal/observability"
	"github.com/makeasinger/karaoke/internal/service"
	"github.com/makeasinger/karaoke/pkg/response"
)

// NewApp builds the Fiber application for c.
func NewApp(c *Components) *fiber.App {
	cfg := c.Config
	validate := validator.New()

	// Services
	processService := service.NewProcessService(c.Registry, c.Dispatcher, c.Pipeline, cfg.Storage.TempDir, c.Logger.Named("process"))
	songService := service.NewSongService(c.Catalog)

	// Handlers
	processHandler := handler.NewProcessHandler(processService, validate)
	songHandler := handler.NewSongHandler(songService)
	healthHandler := handler.NewHealthHandler(c.Catalog, deps.Requirements(cfg.Tools), fiber.Map{
		"redis": c.Redis != nil,
		"r2":    cfg.R2.Enabled(),
		"auth":  cfg.Auth.Enabled,
	})

	rateLimiter := middleware.NewRateLimiter(c.Redis, c.Logger.Named("ratelimit"))

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    cfg.Server.BodyLimitMB * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "${status} - ${latency} ${method} ${path}\n",
		Output: zap.NewStdLog(c.Logger.Named("http")).Writer(),
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	app.Use(observability.HTTPMiddleware(c.Metrics))

	app.Get("/health", healthHandler.Health)
	app.Get("/metrics", adaptor.HTTPHandler(c.MetricsHandler))
	app.Static("/media", cfg.Storage.SongsDir, fiber.Static{ByteRange: true})

	// API routes
	var apiMiddleware []fiber.Handler
	if cfg.Auth.Enabled {
		apiMiddleware = append(apiMiddleware, middleware.NewAuthMiddleware(cfg.Auth.JWTSecret).Authenticate())
	}
	api := app.Group("/api", apiMiddleware...)

	process := api.Group("/process")
	process.Post("/upload", rateLimiter.ProcessLimit(cfg.RateLimit.ProcessPerHour), processHandler.Upload)
	process.Post("/url", rateLimiter.ProcessLimit(cfg.RateLimit.ProcessPerHour), processHandler.URL)
	process.Get("/status/:jobId", processHandler.Status)

	songs := api.Group("/songs")
	songs.Get("/", songHandler.List)
	songs.Get("/:id", songHandler.Get)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	hub := c.Hub
	app.Get("/ws/jobs/:jobId", websocket.New(func(conn *websocket.Conn) {
		hub.HandleConnection(conn, conn.Params("jobId"))
	}))

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	if code == fiber.StatusNotFound {
		errCode = response.CodeNotFound
	}
	return response.Error(c, code, errCode, message, nil)
}
