// Package server hosts a component over HTTP: the /invoke endpoint for the
// dispatch channels, the compiled REST routes, the health document, and the
// metrics endpoint. The host registers the component's addresses with the
// registry after the listener is up and deregisters them first on shutdown,
// so remote callers stop routing here before in-flight requests drain.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"servicekit/channel"
	"servicekit/codec"
	"servicekit/envelope"
	"servicekit/errors"
	"servicekit/health"
	"servicekit/metrics"
	"servicekit/registry"
	"servicekit/service"
)

// Config carries the host's settings.
type Config struct {
	// Port to listen on. Zero picks a free port (tests).
	Port int

	// ShutdownTimeout bounds the in-flight drain on Stop (default 10s).
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Host serves one component.
type Host struct {
	component service.Component
	directory registry.Directory
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics

	engine *gin.Engine
	local  *channel.LocalChannel

	httpSrv      *http.Server
	port         int
	registration *registry.Registration
}

// Option configures a Host.
type Option func(*Host)

// WithMetrics exposes the collector set on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// New builds a host for the component. Route compilation errors fail fast.
func New(component service.Component, directory registry.Directory, cfg Config, logger *zap.Logger, opts ...Option) (*Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Host{
		component: component,
		directory: directory,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		local:     channel.NewLocal(),
	}
	for _, opt := range opts {
		opt(h)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/invoke", h.handleInvoke)
	engine.GET("/health", h.handleHealth)
	if h.metrics != nil {
		reg := prometheus.NewRegistry()
		if err := h.metrics.Register(reg); err != nil {
			return nil, err
		}
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	if err := h.mountRoutes(engine); err != nil {
		return nil, err
	}
	h.engine = engine
	return h, nil
}

// Handler exposes the HTTP handler, mainly for httptest.
func (h *Host) Handler() http.Handler { return h.engine }

// Port returns the bound listen port, valid after Start.
func (h *Host) Port() int { return h.port }

// Start brings the component up, opens the listener, and registers the
// component's addresses. The HTTP server runs until Stop.
func (h *Host) Start(ctx context.Context) error {
	if err := h.component.Startup(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", h.cfg.Port))
	if err != nil {
		return err
	}
	h.port = ln.Addr().(*net.TCPAddr).Port
	h.httpSrv = &http.Server{Handler: h.engine}
	go func() {
		if err := h.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("http server failed", zap.Error(err))
		}
	}()

	desc := h.component.Descriptor()
	addrs := h.component.Addresses(h.port)
	h.registration, err = h.directory.Register(ctx, desc.Name, addrs, healthURL(addrs))
	if err != nil {
		h.httpSrv.Close()
		return err
	}
	h.logger.Info("component host started",
		zap.String("component", desc.Name),
		zap.Int("port", h.port))
	return nil
}

// Stop deregisters the component, drains in-flight requests, and shuts the
// component down. Deregistration goes first so callers stop routing here.
func (h *Host) Stop(ctx context.Context) error {
	if h.registration != nil {
		if err := h.registration.Deregister(ctx); err != nil {
			h.logger.Warn("deregistration failed", zap.Error(err))
		}
		h.registration = nil
	}

	drainCtx, cancel := context.WithTimeout(ctx, h.cfg.ShutdownTimeout)
	defer cancel()
	var err error
	if h.httpSrv != nil {
		err = h.httpSrv.Shutdown(drainCtx)
	}
	if stopErr := h.component.Shutdown(); err == nil {
		err = stopErr
	}
	h.logger.Info("component host stopped", zap.String("component", h.component.Descriptor().Name))
	return err
}

// healthURL derives the probe URL from the first remote address.
func healthURL(addrs []service.ChannelAddress) string {
	for _, a := range addrs {
		if a.Channel != service.LocalChannelName {
			return a.URI + "/health"
		}
	}
	return ""
}

// handleInvoke serves the dispatch channels: one envelope per POST, encoding
// chosen by the declared content type. Unknown content types are rejected,
// never sniffed.
func (h *Host) handleInvoke(c *gin.Context) {
	co, ok := codec.ForContentType(c.ContentType())
	if !ok {
		c.Status(http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	req, err := co.DecodeRequest(body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	resp := h.execute(c.Request.Context(), req)
	data, err := co.EncodeResponse(resp)
	if err != nil {
		h.logger.Error("response encoding failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, co.Type().ContentType(), data)
}

// execute resolves and runs one envelope against the hosted component.
// Application errors travel inside the envelope, never as HTTP status.
func (h *Host) execute(ctx context.Context, req *envelope.Request) *envelope.Response {
	svc, ok := h.component.Descriptor().Service(req.Service)
	if !ok {
		return &envelope.Response{Error: &envelope.Error{
			Type:    "UnknownService",
			Message: fmt.Sprintf("unknown service %q", req.Service),
		}}
	}
	m, ok := svc.Method(req.Method)
	if !ok {
		return &envelope.Response{Error: &envelope.Error{
			Type:    "UnknownMethod",
			Message: fmt.Sprintf("unknown method %s.%s", req.Service, req.Method),
		}}
	}

	result, err := h.local.Invoke(ctx, &channel.Invocation{
		Service: req.Service,
		Method:  m,
		Args:    req.Args,
		KWArgs:  req.KWArgs,
	})
	if err != nil {
		return errorResponse(err)
	}
	return &envelope.Response{Result: result}
}

func errorResponse(err error) *envelope.Response {
	return &envelope.Response{Error: &envelope.Error{
		Type:    errors.TypeName(err),
		Message: err.Error(),
	}}
}

// handleHealth serves the aggregate health document. ERROR maps to 503 so
// plain HTTP probes work without parsing the body.
func (h *Host) handleHealth(c *gin.Context) {
	doc := h.component.Health(c.Request.Context())
	if h.metrics != nil {
		h.metrics.HealthStatus.Set(float64(doc.Status))
	}
	status := http.StatusOK
	if doc.Status == health.StatusError {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, doc)
}

// mountRoutes registers a gin route per REST-routed method, binding
// parameters with the same compiled plan the REST channel renders requests
// from.
func (h *Host) mountRoutes(engine *gin.Engine) error {
	for _, svc := range h.component.Descriptor().Services() {
		for _, m := range svc.Methods() {
			if m.Route == nil {
				continue
			}
			plan, err := channel.CompileRoute(m)
			if err != nil {
				return fmt.Errorf("service %q: %w", svc.Name, err)
			}
			engine.Handle(plan.Verb, ginPath(plan, m), h.restHandler(svc.Name, m, plan))
		}
	}
	return nil
}

// ginPath renders the compiled segments as a gin route pattern.
func ginPath(plan *channel.RoutePlan, m *service.Method) string {
	path := ""
	for _, seg := range plan.Segments {
		if seg.Param < 0 {
			path += "/" + seg.Literal
		} else {
			path += "/:" + m.Params[seg.Param].Name
		}
	}
	return path
}

func (h *Host) restHandler(serviceName string, m *service.Method, plan *channel.RoutePlan) gin.HandlerFunc {
	return func(c *gin.Context) {
		args := make([]any, len(m.Params))

		for _, seg := range plan.Segments {
			if seg.Param < 0 {
				continue
			}
			v, err := parseScalar(c.Param(m.Params[seg.Param].Name), m.Params[seg.Param].Type)
			if err != nil {
				c.JSON(http.StatusBadRequest, envelope.Error{Type: "BadRequest", Message: err.Error()})
				return
			}
			args[seg.Param] = v
		}
		for _, i := range plan.Query {
			raw, ok := c.GetQuery(m.Params[i].Name)
			if !ok {
				continue
			}
			v, err := parseScalar(raw, m.Params[i].Type)
			if err != nil {
				c.JSON(http.StatusBadRequest, envelope.Error{Type: "BadRequest", Message: err.Error()})
				return
			}
			args[i] = v
		}
		if plan.Body >= 0 {
			var v any
			if err := json.NewDecoder(c.Request.Body).Decode(&v); err != nil {
				c.JSON(http.StatusBadRequest, envelope.Error{Type: "BadRequest", Message: err.Error()})
				return
			}
			args[plan.Body] = v
		}

		result, err := h.local.Invoke(c.Request.Context(), &channel.Invocation{
			Service: serviceName,
			Method:  m,
			Args:    args,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, envelope.Error{
				Type:    errors.TypeName(err),
				Message: err.Error(),
			})
			return
		}
		if m.Returns == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// parseScalar converts a path or query string into the declared scalar type.
func parseScalar(raw string, t reflect.Type) (any, error) {
	if t == nil {
		return raw, nil
	}
	switch t.Kind() {
	case reflect.String:
		return raw, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		return reflect.ValueOf(n).Convert(t).Interface(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		return reflect.ValueOf(n).Convert(t).Interface(), nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", raw)
		}
		return reflect.ValueOf(f).Convert(t).Interface(), nil
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", raw)
		}
		return b, nil
	}
	return raw, nil
}
