package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicekit/codec"
	"servicekit/envelope"
	"servicekit/health"
	"servicekit/registry"
	"servicekit/service"
)

type calculator struct{}

func (c *calculator) Add(ctx context.Context, a, b int) (int, error) {
	return a + b, nil
}

func (c *calculator) Divide(ctx context.Context, a, b int) (int, error) {
	if b == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	return a / b, nil
}

func calcComponent(t *testing.T) *service.Base {
	t.Helper()
	intType := reflect.TypeOf(0)
	svc := service.NewService("calculator").
		AddMethod(service.NewMethod("Add", intType,
			service.P("a", intType),
			service.P("b", intType)).
			WithRoute(http.MethodGet, "/calculator/add/{a}")).
		AddMethod(service.NewMethod("Divide", intType,
			service.P("a", intType),
			service.P("b", intType)))
	require.NoError(t, service.Bind(svc, &calculator{}))

	desc := service.NewDescriptor("calc").AddService(svc)
	return service.NewBase(desc, nil, "127.0.0.1")
}

func invoke(t *testing.T, url string, c codec.Codec, req *envelope.Request) (*envelope.Response, int) {
	t.Helper()
	payload, err := c.EncodeRequest(req)
	require.NoError(t, err)

	httpResp, err := http.Post(url+"/invoke", c.Type().ContentType(), bytes.NewReader(payload))
	require.NoError(t, err)
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, httpResp.StatusCode
	}
	body, err := io.ReadAll(httpResp.Body)
	require.NoError(t, err)
	resp, err := c.DecodeResponse(body)
	require.NoError(t, err)
	return resp, httpResp.StatusCode
}

func testHost(t *testing.T, component service.Component) *httptest.Server {
	t.Helper()
	h, err := New(component, registry.NewLocal(), Config{}, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestInvokeOverEveryCodec(t *testing.T) {
	srv := testHost(t, calcComponent(t))

	for _, ct := range []codec.Type{codec.TypeJSON, codec.TypeMsgpack, codec.TypeBinary} {
		c := codec.ForType(ct)
		resp, status := invoke(t, srv.URL, c, &envelope.Request{
			Service: "calculator",
			Method:  "Add",
			Args:    []any{2, 3},
		})
		require.Equal(t, http.StatusOK, status, ct.String())
		require.False(t, resp.Failed(), ct.String())

		// Result numeric shape differs per encoding; compare as float.
		result := reflect.ValueOf(resp.Result)
		require.True(t, result.CanConvert(reflect.TypeOf(0.0)), ct.String())
		assert.Equal(t, 5.0, result.Convert(reflect.TypeOf(0.0)).Float(), ct.String())
	}
}

func TestInvokeRejectsUnknownContentType(t *testing.T) {
	srv := testHost(t, calcComponent(t))

	resp, err := http.Post(srv.URL+"/invoke", "text/plain", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestInvokeUnknownTargets(t *testing.T) {
	srv := testHost(t, calcComponent(t))
	c := codec.ForType(codec.TypeJSON)

	resp, _ := invoke(t, srv.URL, c, &envelope.Request{Service: "nope", Method: "Add"})
	require.True(t, resp.Failed())
	assert.Equal(t, "UnknownService", resp.Error.Type)

	resp, _ = invoke(t, srv.URL, c, &envelope.Request{Service: "calculator", Method: "Nope"})
	require.True(t, resp.Failed())
	assert.Equal(t, "UnknownMethod", resp.Error.Type)
}

func TestInvokeCarriesApplicationErrors(t *testing.T) {
	srv := testHost(t, calcComponent(t))
	c := codec.ForType(codec.TypeJSON)

	resp, status := invoke(t, srv.URL, c, &envelope.Request{
		Service: "calculator",
		Method:  "Divide",
		Args:    []any{1, 0},
	})
	assert.Equal(t, http.StatusOK, status, "application errors travel in the envelope, not the status")
	require.True(t, resp.Failed())
	assert.Equal(t, "division by zero", resp.Error.Message)
	assert.NotEmpty(t, resp.Error.Type)
}

func TestRestRoute(t *testing.T) {
	srv := testHost(t, calcComponent(t))

	resp, err := http.Get(srv.URL + "/calculator/add/2?b=40")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 42, result)
}

func TestRestRouteRejectsBadScalars(t *testing.T) {
	srv := testHost(t, calcComponent(t))

	resp, err := http.Get(srv.URL + "/calculator/add/notanumber?b=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	intType := reflect.TypeOf(0)
	svc := service.NewService("calculator").
		AddMethod(service.NewMethod("Add", intType, service.P("a", intType), service.P("b", intType)))
	require.NoError(t, service.Bind(svc, &calculator{}))
	desc := service.NewDescriptor("calc").AddService(svc)

	checks := health.NewManager(0, nil)
	failing := false
	checks.Register(health.Check{
		Name: "backend",
		Run: func(ctx context.Context) (health.Status, string) {
			if failing {
				return health.StatusError, "backend unreachable"
			}
			return health.StatusOK, ""
		},
	})
	srv := testHost(t, service.NewBase(desc, checks, "127.0.0.1"))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var doc health.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, health.StatusOK, doc.Status)
	require.Len(t, doc.Checks, 1)
	assert.Equal(t, "backend", doc.Checks[0].Name)

	failing = true
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHostLifecycle(t *testing.T) {
	component := calcComponent(t)
	reg := registry.NewLocal()

	h, err := New(component, reg, Config{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.Start(ctx))
	require.Equal(t, service.StatusRunning, component.Status())
	require.NotZero(t, h.Port())

	// Registration carries all default channels, local first.
	assert.Equal(t, []string{"local", "dispatch-json", "dispatch-msgpack", "dispatch-binary", "rest"},
		reg.Channels("calc"))
	urls := reg.Addresses("calc", "dispatch-json")
	require.Len(t, urls, 1)

	// The advertised URL answers.
	resp, err := http.Get(fmt.Sprintf("%s/health", urls[0]))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, h.Stop(ctx))
	assert.Equal(t, service.StatusStopped, component.Status())
	assert.Empty(t, reg.Addresses("calc", "dispatch-json"), "stop deregisters before draining")
}
