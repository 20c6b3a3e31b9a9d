// Package service defines the static descriptor model of the runtime:
// components, the services they implement, and the methods of those
// services. Descriptors are built once at startup by the registration step
// and are read-only afterwards; the dispatcher works against these tables
// instead of discovering anything at call time.
package service

import (
	"context"
	"fmt"
	"reflect"
)

// ChannelAddress names one transport a component instance speaks and where:
// (channel name, uri). The uri format is channel-specific: an HTTP base URL
// for dispatch and REST channels, the fixed "local:" for the in-process
// channel. Immutable value.
type ChannelAddress struct {
	Channel string `json:"channel"`
	URI     string `json:"uri"`
}

// LocalChannelName is the synthetic channel every host registers first, so
// that local dispatch is the default preference rather than a special case.
const LocalChannelName = "local"

// ParamKind classifies how a method parameter is carried by a REST channel.
// Dispatch channels ignore the kind and send all parameters positionally.
type ParamKind int

const (
	// ParamAuto lets the route compiler decide: a name matching a path
	// template segment binds to the path, the first unbound complex-typed
	// parameter becomes the body, everything else goes to the query.
	ParamAuto ParamKind = iota
	ParamPath
	ParamQuery
	ParamBody
)

// Param describes one method parameter.
type Param struct {
	Name string
	Kind ParamKind
	Type reflect.Type
}

// P builds an auto-classified parameter.
func P(name string, t reflect.Type) Param { return Param{Name: name, Type: t} }

// Query builds a query-bound parameter.
func Query(name string, t reflect.Type) Param {
	return Param{Name: name, Kind: ParamQuery, Type: t}
}

// Body builds the body-bound parameter of a method.
func Body(name string, t reflect.Type) Param {
	return Param{Name: name, Kind: ParamBody, Type: t}
}

// Route is the REST binding of a method: HTTP verb plus a path template with
// "{name}" segments referring to parameters.
type Route struct {
	Verb string
	Path string
}

// Handler executes a method against the local implementation. Arguments
// arrive in declaration order; values coming off the wire may still be
// generic (map[string]any etc.) and are converted by the binder.
type Handler func(ctx context.Context, args []any) (any, error)

// Method is the immutable descriptor of one service method.
type Method struct {
	Name    string
	Params  []Param
	Returns reflect.Type // nil for methods without a result
	Async   bool         // hint that callers usually invoke this via the async path
	Route   *Route       // nil unless the method is REST-routable

	// Handler is the bound local implementation; nil on pure-client
	// processes. Set exactly once by Bind.
	Handler Handler
}

// WithRoute attaches a REST route to the method. Part of the builder step;
// must not be called after startup.
func (m *Method) WithRoute(verb, path string) *Method {
	m.Route = &Route{Verb: verb, Path: path}
	return m
}

// WithAsync marks the method as primarily asynchronous.
func (m *Method) WithAsync() *Method {
	m.Async = true
	return m
}

// NewMethod builds a method descriptor.
func NewMethod(name string, returns reflect.Type, params ...Param) *Method {
	return &Method{Name: name, Params: params, Returns: returns}
}

// Service is the logical interface clients depend on: a unique name plus a
// set of method descriptors.
type Service struct {
	Name    string
	methods map[string]*Method
	order   []string
}

// NewService creates an empty service descriptor.
func NewService(name string) *Service {
	return &Service{Name: name, methods: map[string]*Method{}}
}

// AddMethod registers a method descriptor. Later additions with the same
// name replace earlier ones.
func (s *Service) AddMethod(m *Method) *Service {
	if _, ok := s.methods[m.Name]; !ok {
		s.order = append(s.order, m.Name)
	}
	s.methods[m.Name] = m
	return s
}

// Method looks up a method by name.
func (s *Service) Method(name string) (*Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// Methods returns the methods in declaration order.
func (s *Service) Methods() []*Method {
	out := make([]*Method, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.methods[name])
	}
	return out
}

// Descriptor is the deployment-unit descriptor: a component name plus the
// services the component implements.
type Descriptor struct {
	Name     string
	services map[string]*Service
	order    []string
}

// NewDescriptor creates an empty component descriptor.
func NewDescriptor(name string) *Descriptor {
	return &Descriptor{Name: name, services: map[string]*Service{}}
}

// AddService registers a service under the component.
func (d *Descriptor) AddService(s *Service) *Descriptor {
	if s.Name == "" {
		panic("service: service name must not be empty")
	}
	if _, ok := d.services[s.Name]; !ok {
		d.order = append(d.order, s.Name)
	}
	d.services[s.Name] = s
	return d
}

// Service looks up a service by name.
func (d *Descriptor) Service(name string) (*Service, bool) {
	s, ok := d.services[name]
	return s, ok
}

// Services returns the services in declaration order.
func (d *Descriptor) Services() []*Service {
	out := make([]*Service, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.services[name])
	}
	return out
}

// Implements reports whether the component implements the named service.
func (d *Descriptor) Implements(serviceName string) bool {
	_, ok := d.services[serviceName]
	return ok
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("component %q (%d services)", d.Name, len(d.services))
}
