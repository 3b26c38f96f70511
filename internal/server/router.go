package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/hostagent/internal/metrics"
	"github.com/loykin/hostagent/internal/network"
)

// Operations is what the control API needs from the agent.
type Operations interface {
	Resolve(ctx context.Context, domain string) string
	Relay(ctx context.Context, ip string, port int, uri string) string
	ListenerStatus(ctx context.Context, port int) *string
	StartListener(ctx context.Context, port int) *string
	StopListener(ctx context.Context, port int)
	Terminate() int
}

// RouterOptions tune the control API.
type RouterOptions struct {
	// BasePath may be empty or start with '/'; no trailing slash.
	BasePath string
	// Metrics mounts the prometheus handler at {BasePath}/metrics.
	Metrics bool
	Logger  *slog.Logger
}

// Router provides the control API of the agent.
// Endpoints (all GET, query parameters only):
//
//	{basePath}/dns-query         domain=...
//	{basePath}/http-get          ip=...&port=...&uri=/...
//	{basePath}/server-status     port=...
//	{basePath}/start-http-server port=...
//	{basePath}/stop-http-server  port=...
//	{basePath}/kill-agent
type Router struct {
	ops      Operations
	basePath string
	metrics  bool
	logger   *slog.Logger
}

func NewRouter(ops Operations, opts RouterOptions) *Router {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Router{ops: ops, basePath: sanitizeBase(opts.BasePath), metrics: opts.Metrics, logger: lg}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	group := g.Group(r.basePath)
	group.GET("/dns-query", r.handleDNSQuery)
	group.GET("/http-get", r.handleHTTPGet)
	group.GET("/server-status", r.handleServerStatus)
	group.GET("/start-http-server", r.handleStartServer)
	group.GET("/stop-http-server", r.handleStopServer)
	group.GET("/kill-agent", r.handleKillAgent)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer builds an http.Server for addr with the same timeouts listeners use.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("control request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

// headerStopDeferred marks a stop response sent before the listener was drained.
const headerStopDeferred = "X-Hostagent-Stop-Deferred"

type errorResp struct {
	Error string `json:"error"`
}

type dnsResp struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
}

type httpGetResp struct {
	URL      string `json:"url"`
	Response string `json:"response"`
}

type statusResp struct {
	Status *string `json:"status"`
}

type startResp struct {
	UniqueID *string `json:"unique_id"`
}

type killResp struct {
	StatusKill int `json:"status_kill"`
}

func (r *Router) handleDNSQuery(c *gin.Context) {
	domain := c.Query("domain")
	if domain == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "Missing 'domain' parameter"})
		return
	}
	ip := r.ops.Resolve(c.Request.Context(), domain)
	writeJSON(c, http.StatusOK, dnsResp{Domain: domain, IP: ip})
}

func (r *Router) handleHTTPGet(c *gin.Context) {
	ip := c.Query("ip")
	portStr := c.Query("port")
	if ip == "" || portStr == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "Missing 'ip' or 'port' parameter"})
		return
	}
	port, ok := parsePort(portStr)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "Invalid 'port' value, must be an integer"})
		return
	}
	uri := c.DefaultQuery("uri", "/")
	body := r.ops.Relay(c.Request.Context(), ip, port, uri)
	writeJSON(c, http.StatusOK, httpGetResp{URL: network.URL(ip, port, uri), Response: body})
}

func (r *Router) handleServerStatus(c *gin.Context) {
	port, ok := parsePort(c.Query("port"))
	if !ok {
		writeJSON(c, http.StatusOK, statusResp{})
		return
	}
	writeJSON(c, http.StatusOK, statusResp{Status: r.ops.ListenerStatus(c.Request.Context(), port)})
}

func (r *Router) handleStartServer(c *gin.Context) {
	port, ok := parsePort(c.Query("port"))
	if !ok {
		writeJSON(c, http.StatusOK, startResp{})
		return
	}
	writeJSON(c, http.StatusOK, startResp{UniqueID: r.ops.StartListener(c.Request.Context(), port)})
}

func (r *Router) handleStopServer(c *gin.Context) {
	port, ok := parsePort(c.Query("port"))
	if !ok {
		writeJSON(c, http.StatusOK, statusResp{})
		return
	}
	ctx := c.Request.Context()
	if sp := servingPort(c.Request); sp != 0 && sp == port {
		// draining the listener that carries this request would block until the
		// shutdown timeout and drop the reply, so answer first and stop afterwards
		r.logger.Warn("stop requested through the listener being stopped; stopping after reply", "port", port)
		c.Header(headerStopDeferred, "true")
		writeJSON(c, http.StatusOK, statusResp{Status: r.ops.ListenerStatus(ctx, port)})
		go r.ops.StopListener(context.WithoutCancel(ctx), port)
		return
	}
	r.ops.StopListener(ctx, port)
	writeJSON(c, http.StatusOK, statusResp{Status: r.ops.ListenerStatus(ctx, port)})
}

func (r *Router) handleKillAgent(c *gin.Context) {
	code := r.ops.Terminate()
	writeJSON(c, http.StatusOK, killResp{StatusKill: code})
}
