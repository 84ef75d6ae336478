package server

import (
	"context"
	"net/http"

	"github.com/GY-Bai/baidaohui5/internal/handler"
	appmiddleware "github.com/GY-Bai/baidaohui5/internal/middleware"
	"github.com/GY-Bai/baidaohui5/internal/rankhub"
	"github.com/GY-Bai/baidaohui5/internal/realtime"
	"github.com/GY-Bai/baidaohui5/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

type Options struct {
	AuthSecret     string
	AllowedOrigins []string
}

type Server struct {
	echo           *echo.Echo
	logger         logrus.FieldLogger
	authSecret     string
	hub            *rankhub.Hub
	gateway        *realtime.Gateway
	orderHandler   *handler.OrderHandler
	webhookHandler *handler.WebhookHandler
	adminHandler   *handler.AdminHandler
}

func NewServer(orderService service.OrderService, hub *rankhub.Hub, gateway *realtime.Gateway, opts Options, logger logrus.FieldLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(requestLoggerConfig(logger)))
	e.Use(middleware.Recover())
	if len(opts.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: opts.AllowedOrigins}))
	} else {
		e.Use(middleware.CORS())
	}

	s := &Server{
		echo:           e,
		logger:         logger,
		authSecret:     opts.AuthSecret,
		hub:            hub,
		gateway:        gateway,
		orderHandler:   handler.NewOrderHandler(orderService, logger),
		webhookHandler: handler.NewWebhookHandler(orderService, logger),
		adminHandler:   handler.NewAdminHandler(orderService, logger),
	}

	s.setupRoutes()
	return s
}

func requestLoggerConfig(logger logrus.FieldLogger) middleware.RequestLoggerConfig {
	return middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"method":    v.Method,
				"uri":       v.URI,
				"status":    v.Status,
				"latency":   v.Latency.String(),
				"remote_ip": v.RemoteIP,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request")
				return nil
			}
			entry.Info("request")
			return nil
		},
	}
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", s.health)

	fortune := api.Group("/fortune")
	fortune.GET("/rank", s.orderHandler.GetRank)
	fortune.GET("/ws", s.gateway.Handle)
	fortune.POST("/stripe/webhook", s.webhookHandler.StripeWebhook)

	auth := appmiddleware.AuthMiddleware(s.authSecret)
	orders := fortune.Group("/orders", auth)
	orders.POST("", s.orderHandler.CreateOrder)
	orders.GET("/:id", s.orderHandler.GetOrder)

	// -------- operators --------
	admin := fortune.Group("/admin", auth, appmiddleware.RequireRole(appmiddleware.OperatorRoles...))
	admin.GET("/orders", s.adminHandler.ListOrders)
	admin.POST("/orders/:id/:action", s.adminHandler.Transition)
}

func (s *Server) health(c echo.Context) error {
	stats := s.hub.Stats()
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"rank_buckets":  stats.Buckets,
		"subscriptions": stats.Connections,
		"connections":   s.gateway.Connections(),
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
