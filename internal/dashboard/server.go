package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chartfeed/config"
	"chartfeed/internal/metrics"
	"chartfeed/internal/session"
	"chartfeed/logger"
	"chartfeed/models"
	"chartfeed/processor"
	"chartfeed/reader/push"
)

// Backend is the live session the dashboard reads from and controls.
type Backend interface {
	Latest() (models.MarketUpdate, bool)
	Connection() push.Status
	Throttle() processor.ThrottleState
	SetPreset(p processor.Preset) error
	SetVisible(visible bool)
	OpenChart(ctx context.Context, key models.SeriesKey) (*session.Chart, error)
	Chart(id string) (*session.Chart, bool)
	SwitchSeries(ctx context.Context, id string, key models.SeriesKey) error
	CloseChart(id string) bool
	Charts() []session.ChartInfo
	ClearCache(ctx context.Context) error
	Status() session.Status
}

// Server is the HTTP control and monitoring surface of chartfeed.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	backend         Backend
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, backend Backend, diskPath string) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if backend == nil {
		return nil, errors.New("dashboard: backend is required")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}
	if diskPath == "" {
		diskPath = "/"
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		backend:         backend,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   metrics.RegisterMetricHandler(metricStore.handle),
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, hostSample(diskPath), log),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

// Address reports the address the dashboard listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type seriesRequest struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

func (r seriesRequest) key() (models.SeriesKey, error) {
	iv, err := models.ParseInterval(r.Interval)
	if err != nil {
		return models.SeriesKey{}, err
	}
	key := models.SeriesKey{Symbol: strings.ToUpper(strings.TrimSpace(r.Symbol)), Interval: iv}
	return key, key.Validate()
}

type rangeRequest struct {
	From *float64 `json:"from"`
	To   *float64 `json:"to"`
}

func errorJSON(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":                 appName,
			"refresh_interval_ms": s.cfg.RefreshInterval.Milliseconds(),
			"status":              s.backend.Status(),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.backend.Status())
	})
	api.GET("/market", s.getMarket)
	api.GET("/connection", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.backend.Connection())
	})
	api.GET("/throttle", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.backend.Throttle())
	})
	api.POST("/throttle", s.setPreset)
	api.POST("/visibility", s.setVisibility)
	api.POST("/cache/clear", func(c *gin.Context) {
		if err := s.backend.ClearCache(c.Request.Context()); err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	charts := api.Group("/charts")
	charts.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"charts": s.backend.Charts()})
	})
	charts.POST("", s.openChart)
	charts.GET("/:id", s.getChart)
	charts.PUT("/:id/series", s.switchSeries)
	charts.POST("/:id/range", s.reportRange)
	charts.DELETE("/:id", func(c *gin.Context) {
		if !s.backend.CloseChart(c.Param("id")) {
			errorJSON(c, http.StatusNotFound, session.ErrChartNotFound)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": s.metricStore.filtered(c.Query("component"), c.Query("name"))})
	})
	api.GET("/logs", func(c *gin.Context) {
		records, err := s.logStore.filtered(c.Query("level"), c.Query("component"))
		if err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": records})
	})
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

func (s *Server) getMarket(c *gin.Context) {
	update, ok := s.backend.Latest()
	if !ok {
		errorJSON(c, http.StatusNotFound, errors.New("no market snapshot yet"))
		return
	}
	if symbol := c.Query("symbol"); symbol != "" {
		q, ok := update.Quote(strings.ToUpper(symbol))
		if !ok {
			errorJSON(c, http.StatusNotFound, errors.New("symbol not in snapshot"))
			return
		}
		c.JSON(http.StatusOK, q)
		return
	}
	c.JSON(http.StatusOK, update)
}

func (s *Server) setPreset(c *gin.Context) {
	var req struct {
		Preset string `json:"preset"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	preset, err := processor.ParsePreset(req.Preset)
	if err == nil {
		err = s.backend.SetPreset(preset)
	}
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, s.backend.Throttle())
}

func (s *Server) setVisibility(c *gin.Context) {
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	if req.Visible == nil {
		errorJSON(c, http.StatusBadRequest, errors.New("visible is required"))
		return
	}
	s.backend.SetVisible(*req.Visible)
	c.JSON(http.StatusOK, s.backend.Throttle())
}

func (s *Server) openChart(c *gin.Context) {
	var req seriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	key, err := req.key()
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	chart, err := s.backend.OpenChart(c.Request.Context(), key)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": chart.ID, "view": chart.View()})
}

func (s *Server) getChart(c *gin.Context) {
	chart, ok := s.backend.Chart(c.Param("id"))
	if !ok {
		errorJSON(c, http.StatusNotFound, session.ErrChartNotFound)
		return
	}
	view := chart.View()
	if c.Query("bars") == "false" {
		view.Bars = nil
	}
	c.JSON(http.StatusOK, gin.H{"id": chart.ID, "view": view})
}

func (s *Server) switchSeries(c *gin.Context) {
	var req seriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	key, err := req.key()
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	id := c.Param("id")
	if err := s.backend.SwitchSeries(c.Request.Context(), id, key); err != nil {
		if errors.Is(err, session.ErrChartNotFound) {
			errorJSON(c, http.StatusNotFound, err)
			return
		}
		// the chart stays switched; the view carries the load error
		s.log.WithComponent("dashboard").WithSeries(key).WithError(err).Warn("series switch load failed")
	}
	chart, ok := s.backend.Chart(id)
	if !ok {
		errorJSON(c, http.StatusNotFound, session.ErrChartNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "view": chart.View()})
}

func (s *Server) reportRange(c *gin.Context) {
	chart, ok := s.backend.Chart(c.Param("id"))
	if !ok {
		errorJSON(c, http.StatusNotFound, session.ErrChartNotFound)
		return
	}
	var req rangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	if req.From == nil || req.To == nil {
		errorJSON(c, http.StatusBadRequest, errors.New("from and to are required"))
		return
	}
	chart.ReportVisibleRange(*req.From, *req.To)
	c.Status(http.StatusAccepted)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
