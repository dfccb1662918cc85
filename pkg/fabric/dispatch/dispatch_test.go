// Copyright (C) 2024 modhost contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"testing"

	"github.com/getoutreach/modhost/pkg/fabric/handler"
	"github.com/getoutreach/modhost/pkg/fabric/routes"
	"github.com/getoutreach/modhost/pkg/resultkind"
	"github.com/getoutreach/modhost/pkg/wire"
	"gotest.tools/v3/assert"
)

type greetRequest struct{ Name string }

// fakeSender is a stub of this package's Sender that never actually
// reaches a remote endpoint; used to exercise the no-handler path.
type fakeSender struct {
	reply *wire.Message
	err   error
}

func (f *fakeSender) Route(_ context.Context, _ []routes.Route, _ *wire.Message, _ bool) ([]*wire.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.reply != nil {
		return []*wire.Message{f.reply}, nil
	}
	return nil, nil
}

func TestDispatchLocalHandlerWinsOverRouter(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.For(handler.Route("greet"), func(_ context.Context, _ handler.Context, msg greetRequest) (any, error) {
		return "hello " + msg.Name, nil
	}))

	d := New(reg, &fakeSender{err: resultkind.NotFound("greet")}, nil)

	data := NewData("greet", greetRequest{Name: "ava"})
	res, err := d.Run(context.Background(), data, false)
	assert.NilError(t, err)
	assert.Assert(t, res.Err == nil, "unexpected failure: %v", res.Err)
	assert.Equal(t, res.Value, "hello ava")
}

func TestDispatchFallsThroughToRouterWhenNoLocalHandler(t *testing.T) {
	reg := handler.NewRegistry()
	reply := wire.New()
	reply.Push([]byte(`"from-router"`))

	d := New(reg, &fakeSender{reply: reply}, nil)

	data := NewData("greet", greetRequest{Name: "ava"})
	res, err := d.Run(context.Background(), data, false)
	assert.NilError(t, err)
	assert.Assert(t, res.Err == nil, "unexpected failure: %v", res.Err)
	assert.Equal(t, res.Value, reply)
}

func TestDispatchHandlerPanicBecomesHandlerFailure(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.For(handler.Route("boom"), func(_ context.Context, _ handler.Context, _ greetRequest) (any, error) {
		panic("kaboom")
	}))

	d := New(reg, &fakeSender{}, nil)

	res, err := d.Run(context.Background(), NewData("boom", greetRequest{}), false)
	assert.NilError(t, err)
	assert.Assert(t, res.Err != nil)
	assert.Equal(t, res.Err.Kind, resultkind.HandlerFailure)
}

func TestDispatchPublishAggregatesFailures(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.For(handler.Route("evt"), func(_ context.Context, _ handler.Context, _ greetRequest) (any, error) {
		return nil, resultkind.Failure(resultkind.Validation, "bad input", nil)
	}))

	d := New(reg, &fakeSender{}, nil)

	res, err := d.Run(context.Background(), NewData("evt", greetRequest{}), true)
	assert.NilError(t, err)
	assert.Assert(t, res.Err != nil)
	assert.Equal(t, res.Err.Kind, resultkind.AggregateFailure)
}

func TestDispatchNoHandlerAnywhereIsDispatchNotFound(t *testing.T) {
	reg := handler.NewRegistry()
	d := New(reg, &fakeSender{err: resultkind.NotFound("missing")}, nil)

	res, err := d.Run(context.Background(), NewData("missing", greetRequest{}), false)
	assert.NilError(t, err)
	assert.Assert(t, res.Err != nil)
	assert.Equal(t, res.Err.Kind, resultkind.DispatchNotFound)
}

func TestLocalOnlyHandlerPreferredOverEarlierRegistration(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.For(handler.Route("greet"), func(_ context.Context, _ handler.Context, _ greetRequest) (any, error) {
		return "plain", nil
	}))
	reg.Register(handler.For(handler.Route("greet"), func(_ context.Context, _ handler.Context, _ greetRequest) (any, error) {
		return "local-only", nil
	}, handler.LocalOnly))

	d := New(reg, &fakeSender{}, nil)

	res, err := d.Run(context.Background(), NewData("greet", greetRequest{}), false)
	assert.NilError(t, err)
	assert.Assert(t, res.Err == nil, "unexpected failure: %v", res.Err)
	assert.Equal(t, res.Value, "local-only")
}

func TestProcessorWrapsInvocation(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.For(handler.Route("greet"), func(_ context.Context, _ handler.Context, msg greetRequest) (any, error) {
		return msg.Name, nil
	}))

	var seen []string
	proc := ProcessorFunc(func(ctx context.Context, data *Data, next Next) (any, error) {
		seen = append(seen, "before")
		v, err := next(ctx, data)
		seen = append(seen, "after")
		return v, err
	})

	d := New(reg, &fakeSender{}, nil, proc)
	_, err := d.Run(context.Background(), NewData("greet", greetRequest{Name: "x"}), false)
	assert.NilError(t, err)
	assert.DeepEqual(t, seen, []string{"before", "after"})
}

func TestScopeReleaseRunsCleanupsInReverseOrder(t *testing.T) {
	reg := handler.NewRegistry()
	var order []int
	reg.Register(handler.For(handler.Route("r"), func(ctx context.Context, _ handler.Context, _ greetRequest) (any, error) {
		OnRelease(ctx, func() { order = append(order, 1) })
		OnRelease(ctx, func() { order = append(order, 2) })
		return nil, nil
	}))

	d := New(reg, &fakeSender{}, nil)
	_, err := d.Run(context.Background(), NewData("r", greetRequest{}), false)
	assert.NilError(t, err)
	assert.DeepEqual(t, order, []int{2, 1})
}
