// Package web is the HTTP boundary of the dashboard.
package web

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antonkrylov/wharf/internal/control/core"
	"github.com/antonkrylov/wharf/internal/control/poll"
	"github.com/antonkrylov/wharf/internal/dokku"
	"github.com/antonkrylov/wharf/internal/records"
)

// Options wire a Server.
type Options struct {
	Core     *core.Core
	Features *dokku.Service
	Machine  *poll.Machine
	Records  *records.Store
	// PublicKey returns the key dokku must trust; shown on the setup page.
	PublicKey func() (string, error)
	// WebhookSecret signs GitHub deliveries. The webhook is disabled when
	// it is empty.
	WebhookSecret string
	// AdminUser and AdminPassword enable basic auth on the dashboard routes.
	AdminUser     string
	AdminPassword string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Heartbeat is the keepalive interval of websocket watches.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Server serves the dashboard API.
type Server struct {
	opts     Options
	core     *core.Core
	features *dokku.Service
	machine  *poll.Machine
	records  *records.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
	engine   *gin.Engine
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	s := &Server{
		opts:     opts,
		core:     opts.Core,
		features: opts.Features,
		machine:  opts.Machine,
		records:  opts.Records,
		logger:   opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes()
	return s
}

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/status", s.handleStatus)
	r.POST("/webhook", s.handleWebhook)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	ui := r.Group("/")
	if s.opts.AdminUser != "" {
		ui.Use(gin.BasicAuth(gin.Accounts{s.opts.AdminUser: s.opts.AdminPassword}))
	}
	ui.GET("/setup-key", s.handleSetupKey)
	ui.POST("/refresh", s.handleRefreshAll)
	ui.POST("/purge", s.handlePurge)
	ui.GET("/apps", s.handleIndex)
	ui.POST("/apps", s.handleCreateApp)
	ui.POST("/config", s.handleGlobalConfigSet)

	app := ui.Group("/apps/:app")
	app.GET("", s.handleAppInfo)
	app.POST("/refresh", s.handleRefreshApp)
	app.POST("/config", s.handleAppConfigSet)
	app.DELETE("/config/:key", s.handleAppConfigUnset)
	app.POST("/deploy", s.handleDeploy)
	app.POST("/datastores/:plugin", s.handleCreateDatastore)
	app.DELETE("/datastores/:plugin", s.handleRemoveDatastore)
	app.POST("/domains", s.handleAddDomain)
	app.DELETE("/domains/:domain", s.handleRemoveDomain)
	app.POST("/letsencrypt", s.handleEnableLetsencrypt)
	app.DELETE("/letsencrypt", s.handleDisableLetsencrypt)
	app.POST("/buildpacks", s.handleAddBuildpack)
	app.DELETE("/buildpacks", s.handleRemoveBuildpack)
	app.GET("/wait/:id/:after", s.handleWait)

	ui.POST("/tasks", s.handleSubmit)
	ui.GET("/tasks", s.handleListTasks)
	ui.GET("/tasks/:id", s.handlePoll)
	ui.GET("/tasks/:id/ws", s.handleWatch)
	ui.GET("/logs/:id", s.handleShowLog)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
