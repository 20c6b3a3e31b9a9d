package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"servicekit/envelope"
	"servicekit/errors"
	"servicekit/selector"
	"servicekit/service"
)

// RestName is the channel name REST-routed methods travel over.
const RestName = "rest"

// PathSegment is one compiled piece of a route path: a literal, or a
// reference to the parameter filling the segment.
type PathSegment struct {
	Literal string
	Param   int // -1 for literals
}

// RoutePlan is the per-method compilation result: verb, path segments, and
// where each parameter goes. Both sides of a REST call share it: the channel
// renders requests from it, the host binds incoming requests with it.
type RoutePlan struct {
	Verb     string
	Segments []PathSegment
	Query    []int // parameter indexes carried in the query string
	Body     int   // parameter index carried as the JSON body, -1 for none
}

// RestChannel invokes methods over their compiled REST routes. Only methods
// carrying a route are reachable; everything else belongs on a dispatch
// channel.
type RestChannel struct {
	base
	client  *http.Client
	timeout time.Duration
	plans   map[string]map[string]*RoutePlan
	logger  *zap.Logger
}

var _ Channel = (*RestChannel)(nil)

// NewRest compiles the route plans of every routed method in the descriptor.
// Route errors (unresolvable path segment, duplicate body) fail construction.
func NewRest(desc *service.Descriptor, timeout time.Duration, logger *zap.Logger) (*RestChannel, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RestChannel{
		client:  &http.Client{},
		timeout: timeout,
		plans:   map[string]map[string]*RoutePlan{},
		logger:  logger,
	}
	r.init(RestName, &selector.RoundRobin{})

	for _, svc := range desc.Services() {
		for _, m := range svc.Methods() {
			if m.Route == nil {
				continue
			}
			plan, err := CompileRoute(m)
			if err != nil {
				return nil, fmt.Errorf("service %q: %w", svc.Name, err)
			}
			if r.plans[svc.Name] == nil {
				r.plans[svc.Name] = map[string]*RoutePlan{}
			}
			r.plans[svc.Name][m.Name] = plan
		}
	}
	return r, nil
}

// CompileRoute classifies the method's parameters against its route
// template: names matching a "{name}" segment bind to the path, the first
// unbound complex-typed parameter becomes the body, the rest go to the
// query. Explicit kinds override the automatic classification.
func CompileRoute(m *service.Method) (*RoutePlan, error) {
	plan := &RoutePlan{Verb: m.Route.Verb, Body: -1}

	inPath := map[string]int{} // template name → segment position
	for _, part := range strings.Split(strings.Trim(m.Route.Path, "/"), "/") {
		seg := PathSegment{Literal: part, Param: -1}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			inPath[part[1:len(part)-1]] = len(plan.Segments)
		}
		plan.Segments = append(plan.Segments, seg)
	}

	for i, p := range m.Params {
		pos, pathBound := inPath[p.Name]
		switch {
		case p.Kind == service.ParamPath || (p.Kind == service.ParamAuto && pathBound):
			if !pathBound {
				return nil, fmt.Errorf("method %q: path parameter %q not in route %q", m.Name, p.Name, m.Route.Path)
			}
			plan.Segments[pos].Param = i
			delete(inPath, p.Name)
		case p.Kind == service.ParamBody:
			if plan.Body >= 0 {
				return nil, fmt.Errorf("method %q: more than one body parameter", m.Name)
			}
			plan.Body = i
		case p.Kind == service.ParamQuery:
			plan.Query = append(plan.Query, i)
		default: // ParamAuto, not a path segment
			if plan.Body < 0 && isComplex(p.Type) {
				plan.Body = i
			} else {
				plan.Query = append(plan.Query, i)
			}
		}
	}
	for name, pos := range inPath {
		if plan.Segments[pos].Param < 0 {
			return nil, fmt.Errorf("method %q: route segment {%s} has no matching parameter", m.Name, name)
		}
	}
	return plan, nil
}

// isComplex reports whether a parameter type needs a JSON body rather than a
// stringable path or query slot.
func isComplex(t reflect.Type) bool {
	if t == nil {
		return false
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Interface, reflect.Pointer:
		return true
	}
	return false
}

// Invoke performs one call over the method's compiled route.
func (r *RestChannel) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	plan := r.plans[inv.Service][inv.Method.Name]
	if plan == nil {
		return nil, fmt.Errorf("method %s.%s is not rest-routable", inv.Service, inv.Method.Name)
	}

	base, err := r.pick()
	if err != nil {
		return nil, err
	}
	args, err := service.MergeArgs(inv.Method, inv.Args, inv.KWArgs)
	if err != nil {
		return nil, err
	}

	target, body, err := r.buildRequest(base, plan, inv.Method, args)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, plan.Verb, target, body)
	if err != nil {
		return nil, errors.NewTransport(base, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headersFromContext(ctx) {
		req.Header.Set(k, v)
	}

	r.logger.Debug("rest call",
		zap.String("verb", plan.Verb),
		zap.String("url", target),
		zap.String("service", inv.Service),
		zap.String("method", inv.Method.Name))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.NewTransport(base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransport(base, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(data) == 0 {
			return nil, nil
		}
		var result any
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, errors.NewTransport(base, err)
		}
		return result, nil
	}

	var remote envelope.Error
	if json.Unmarshal(data, &remote) == nil && remote.Message != "" {
		return nil, &errors.RemoteError{Type: remote.Type, Message: remote.Message}
	}
	return nil, errors.NewTransport(base, fmt.Errorf("unexpected status %d", resp.StatusCode))
}

func (r *RestChannel) InvokeAsync(ctx context.Context, inv *Invocation) <-chan Result {
	return invokeAsync(ctx, r, inv)
}

// buildRequest renders the URL (path + query) and the optional JSON body.
func (r *RestChannel) buildRequest(base string, plan *RoutePlan, m *service.Method, args []any) (string, io.Reader, error) {
	var path strings.Builder
	for _, seg := range plan.Segments {
		path.WriteByte('/')
		if seg.Param < 0 {
			path.WriteString(seg.Literal)
		} else {
			path.WriteString(url.PathEscape(fmt.Sprint(args[seg.Param])))
		}
	}

	query := url.Values{}
	for _, i := range plan.Query {
		if args[i] == nil {
			continue
		}
		query.Set(m.Params[i].Name, fmt.Sprint(args[i]))
	}

	target := base + path.String()
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if plan.Body >= 0 {
		data, err := json.Marshal(args[plan.Body])
		if err != nil {
			return "", nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return target, body, nil
}
