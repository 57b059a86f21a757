// Package dashboard serves snapshots, rankings, metrics and logs over HTTP
// and streams new snapshots over a websocket.
package dashboard

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fundflow/config"
	"fundflow/internal/commentary"
	"fundflow/internal/market"
	"fundflow/internal/metrics"
	"fundflow/internal/report"
	"fundflow/logger"
)

const writeWait = 10 * time.Second

// SnapshotReader is the poller as seen by the dashboard.
type SnapshotReader interface {
	market.Reader
	Suspended() error
}

// NoteSource supplies the latest model commentary.
type NoteSource interface {
	Last() (commentary.Note, bool)
}

type Option func(*Server)

func WithCommentary(notes NoteSource) Option {
	return func(s *Server) { s.notes = notes }
}

// WithPrometheus mounts h on /metrics.
func WithPrometheus(h http.Handler) Option {
	return func(s *Server) { s.prometheus = h }
}

// WithInputs adds net flow rankings and seeded baselines to /api/summary.
func WithInputs(src report.InputSource) Option {
	return func(s *Server) { s.inputs = src }
}

// WithRanking sets the lookback and list size used by /api/summary.
func WithRanking(lookback time.Duration, topN int) Option {
	return func(s *Server) {
		if lookback > 0 {
			s.lookback = lookback
		}
		if topN > 0 {
			s.topN = topN
		}
	}
}

// Server hosts the monitoring API.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	reader        SnapshotReader
	notes         NoteSource
	inputs        report.InputSource
	prometheus    http.Handler
	lookback      time.Duration
	topN          int
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	sampler       *hostSampler
	upgrader      websocket.Upgrader
	httpServer    *http.Server

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, reader SnapshotReader, opts ...Option) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if reader == nil {
		return nil, errors.New("dashboard needs a snapshot reader")
	}
	if log == nil {
		log = logger.GetLogger()
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 60
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		reader:      reader,
		lookback:    4 * time.Hour,
		topN:        10,
		metricStore: newMetricStore(cfg.MetricCapacity),
		logStore:    newLogStore(cfg.LogCapacity),
		sampler:     newHostSampler(cfg.MetricCapacity, cfg.RefreshInterval, "/", log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.metricHandler = metrics.RegisterMetricHandler(s.metricStore.handle)
	log.AddHook(s.logStore)
	return s, nil
}

// Run serves until ctx is canceled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.stop()
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

func (s *Server) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Server) cleanup() {
	s.stop()
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.sampler.stop()
}

// Address reports the address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.health)

	api := router.Group("/api")
	api.GET("/snapshot", s.snapshot)
	api.GET("/history", s.history)
	api.GET("/summary", s.summary)
	api.GET("/commentary", s.commentary)

	api.GET("/metrics", func(c *gin.Context) {
		stored := s.metricStore.snapshot(c.Query("component"))
		payload := make([]gin.H, 0, len(stored))
		for _, m := range stored {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})
	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(c.Query("level"))})
	})
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	if s.prometheus != nil {
		router.GET("/metrics", gin.WrapH(s.prometheus))
	}
	router.GET("/ws/snapshots", s.stream)
	return router, nil
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	snap := s.reader.Latest()
	if snap == nil {
		body["status"] = "starting"
	} else {
		body["seq"] = snap.Seq()
		body["taken_at"] = snap.TakenAt()
		body["stale"] = len(snap.StaleInstruments())
	}
	if err := s.reader.Suspended(); err != nil {
		body["status"] = "suspended"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) snapshot(c *gin.Context) {
	snap := s.reader.Latest()
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) history(c *gin.Context) {
	limit := s.cfg.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	snaps := s.reader.History(limit)
	if snaps == nil {
		snaps = []*market.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) summary(c *gin.Context) {
	snap := s.reader.Latest()
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot yet"})
		return
	}
	history := s.reader.History(math.MaxInt32)
	in := report.CurrentInputs(s.inputs)
	if c.Query("format") == "text" {
		c.String(http.StatusOK, report.Text(snap, history, s.lookback, s.topN, in))
		return
	}
	c.JSON(http.StatusOK, report.Build(snap, history, s.lookback, s.topN, in))
}

func (s *Server) commentary(c *gin.Context) {
	if s.notes == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "commentary disabled"})
		return
	}
	note, ok := s.notes.Last()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no commentary yet"})
		return
	}
	c.JSON(http.StatusOK, note)
}

// stream pushes each new snapshot to the client, checking once per refresh
// interval.
func (s *Server) stream(c *gin.Context) {
	log := s.log.WithComponent("dashboard")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var sent uint64
	push := func() error {
		snap := s.reader.Latest()
		if snap == nil || snap.Seq() == sent {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(snap); err != nil {
			return err
		}
		sent = snap.Seq()
		return nil
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := push(); err != nil {
			log.WithError(err).Debug("websocket client dropped")
			return
		}
		select {
		case <-gone:
			return
		case <-s.stopped:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
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

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if net.ParseIP(addr) != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
