package service

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type AddArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type Calculator struct{}

func (c *Calculator) Add(ctx context.Context, args *AddArgs) (int, error) {
	return args.A + args.B, nil
}

func (c *Calculator) Divide(ctx context.Context, a, b int) (int, error) {
	if b == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	return a / b, nil
}

func (c *Calculator) Reset(ctx context.Context) error { return nil }

func calculatorService() *Service {
	svc := NewService("CalculatorService")
	svc.AddMethod(NewMethod("Add", reflect.TypeOf((*int)(nil)).Elem(), P("args", reflect.TypeOf((**AddArgs)(nil)).Elem())))
	svc.AddMethod(NewMethod("Divide", reflect.TypeOf((*int)(nil)).Elem(), P("a", reflect.TypeOf((*int)(nil)).Elem()), P("b", reflect.TypeOf((*int)(nil)).Elem())))
	svc.AddMethod(NewMethod("Reset", nil))
	return svc
}

func TestBindAndInvokeHandlers(t *testing.T) {
	svc := calculatorService()
	require.NoError(t, Bind(svc, &Calculator{}))

	add, ok := svc.Method("Add")
	require.True(t, ok)
	result, err := add.Handler(context.Background(), []any{&AddArgs{A: 2, B: 3}})
	require.NoError(t, err)
	assert.Equal(t, 5, result)

	// Wire-shaped arguments: the struct arrives as a generic map, the ints
	// as float64, exactly as a JSON codec produces them.
	result, err = add.Handler(context.Background(), []any{map[string]any{"a": 4.0, "b": 6.0}})
	require.NoError(t, err)
	assert.Equal(t, 10, result)

	div, _ := svc.Method("Divide")
	result, err = div.Handler(context.Background(), []any{float64(10), float64(2)})
	require.NoError(t, err)
	assert.Equal(t, 5, result)

	_, err = div.Handler(context.Background(), []any{1, 0})
	assert.EqualError(t, err, "division by zero")

	reset, _ := svc.Method("Reset")
	result, err = reset.Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestBindRejectsDoubleBinding(t *testing.T) {
	svc := calculatorService()
	require.NoError(t, Bind(svc, &Calculator{}))
	assert.Error(t, Bind(svc, &Calculator{}))
}

func TestBindRejectsMissingMethod(t *testing.T) {
	svc := NewService("CalculatorService")
	svc.AddMethod(NewMethod("Multiply", reflect.TypeOf((*int)(nil)).Elem(), P("a", nil), P("b", nil)))
	assert.Error(t, Bind(svc, &Calculator{}))
}

func TestBindRejectsArityMismatch(t *testing.T) {
	svc := NewService("CalculatorService")
	// Divide takes two parameters, descriptor declares one.
	svc.AddMethod(NewMethod("Divide", reflect.TypeOf((*int)(nil)).Elem(), P("a", nil)))
	assert.Error(t, Bind(svc, &Calculator{}))
}

func TestLifecycleMonotonic(t *testing.T) {
	desc := NewDescriptor("calc")
	base := NewBase(desc, nil, "127.0.0.1")

	assert.Equal(t, StatusVirgin, base.Status())
	assert.Error(t, base.Shutdown(), "cannot stop a virgin component")

	require.NoError(t, base.Startup())
	assert.Equal(t, StatusRunning, base.Status())
	assert.Error(t, base.Startup(), "cannot start twice")

	require.NoError(t, base.Shutdown())
	assert.Equal(t, StatusStopped, base.Status())
	assert.Error(t, base.Startup(), "lifecycle is forward-only")
}

func TestAddressesStablePerCycle(t *testing.T) {
	desc := NewDescriptor("calc")
	base := NewBase(desc, nil, "10.0.0.5")
	require.NoError(t, base.Startup())

	first := base.Addresses(8080)
	second := base.Addresses(8080)
	assert.Equal(t, first, second)

	require.Equal(t, len(DefaultChannels), len(first))
	assert.Equal(t, LocalChannelName, first[0].Channel, "local channel must be registered first")
	assert.Equal(t, "local:", first[0].URI)
	assert.Equal(t, "dispatch-json", first[1].Channel)
	assert.Equal(t, "http://10.0.0.5:8080", first[1].URI)
}

func TestConvertValue(t *testing.T) {
	v, err := ConvertValue(float64(7), reflect.TypeOf((*int)(nil)).Elem())
	require.NoError(t, err)
	assert.Equal(t, 7, v.Interface())

	v, err = ConvertValue(map[string]any{"a": 1, "b": 2}, reflect.TypeOf((**AddArgs)(nil)).Elem())
	require.NoError(t, err)
	assert.Equal(t, &AddArgs{A: 1, B: 2}, v.Interface())

	v, err = ConvertValue(nil, reflect.TypeOf((**AddArgs)(nil)).Elem())
	require.NoError(t, err)
	assert.Nil(t, v.Interface())

	_, err = ConvertValue("not a struct", reflect.TypeOf((**AddArgs)(nil)).Elem())
	assert.Error(t, err)
}

func TestDescriptorLookup(t *testing.T) {
	desc := NewDescriptor("calc").AddService(calculatorService())
	assert.True(t, desc.Implements("CalculatorService"))
	assert.False(t, desc.Implements("OtherService"))

	svc, ok := desc.Service("CalculatorService")
	require.True(t, ok)
	assert.Len(t, svc.Methods(), 3)
}
