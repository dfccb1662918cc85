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

// Package dispatch implements the message dispatcher: the
// handler-invocation pipeline, local-vs-remote policy, and per-dispatch
// service scope. Each [Processor] wraps the `next` closure of the one
// after it, forming an ordered middleware chain around the handler
// invocation.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/getoutreach/modhost/pkg/fabric/handler"
	"github.com/getoutreach/modhost/pkg/fabric/routes"
	"github.com/getoutreach/modhost/pkg/logging"
	"github.com/getoutreach/modhost/pkg/resultkind"
	"github.com/getoutreach/modhost/pkg/wire"
)

// Hierarchical may be implemented by a dispatched payload to declare
// its own message-type hierarchy, most-derived first, excluding the
// universal base type. A payload that doesn't implement it dispatches
// under its single route with no further descent.
type Hierarchical interface {
	Hierarchy() []string
}

// Data carries the dispatched message and the string-keyed property
// bag processors read and write freely.
type Data struct {
	// Hierarchy is the route chain for this dispatch, most-derived
	// first. Hierarchy[0] is always the primary route.
	Hierarchy []routes.Route
	// Payload is the decoded domain value passed to local handlers.
	Payload any

	Properties map[string]any

	raw *wire.Message
}

// NewData builds dispatch Data for route, deriving the full hierarchy
// from payload when it implements Hierarchical.
func NewData(route string, payload any) *Data {
	chain := []routes.Route{routes.Route(route)}
	if h, ok := payload.(Hierarchical); ok {
		chain = chain[:0]
		for _, r := range h.Hierarchy() {
			chain = append(chain, routes.Route(r))
		}
		if len(chain) == 0 {
			chain = []routes.Route{routes.Route(route)}
		}
	}
	return &Data{Hierarchy: chain, Payload: payload, Properties: map[string]any{}}
}

// Encode lazily serializes Payload into a single-frame wire.Message,
// memoized so repeated forwarding (e.g. across router retries) doesn't
// re-encode.
func (d *Data) Encode() (*wire.Message, error) {
	if d.raw != nil {
		return d.raw, nil
	}
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, resultkind.New(resultkind.HandlerFailure, "dispatch: encode payload", err)
	}
	msg := wire.New()
	msg.Push(payload)
	d.raw = msg
	return msg, nil
}

// Result is the outcome of a dispatch: Value on success (nil for a
// void/Unit-returning handler), or Err describing the failure. Exactly
// one of Value/Err is meaningful.
type Result struct {
	Value any
	Err   *resultkind.Result
}

// Next is the continuation a Processor invokes to proceed to the next
// processor, or to the handler itself if it is the innermost link.
type Next func(ctx context.Context, data *Data) (any, error)

// Processor is middleware around handler invocation: it may inspect or
// replace Data before calling next, and inspect or replace the result
// next returns. Registration order defines chain order, outermost
// first.
type Processor interface {
	Process(ctx context.Context, data *Data, next Next) (any, error)
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, data *Data, next Next) (any, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, data *Data, next Next) (any, error) {
	return f(ctx, data, next)
}

// Sender is the remote leg: anything capable of routing a dispatch
// across the hierarchy to other endpoints. Satisfied by
// pkg/fabric/router.Router.
type Sender interface {
	Route(ctx context.Context, routeChain []routes.Route, msg *wire.Message, publish bool) ([]*wire.Message, error)
}

// Dispatcher ties the handler registry, the processor pipeline, and
// the router together.
type Dispatcher struct {
	registry   *handler.Registry
	router     Sender
	processors []Processor
	log        logging.Logger
}

// New creates a Dispatcher over registry and router (the remote leg).
// processors are applied outermost-first, in the order given.
func New(registry *handler.Registry, router Sender, log logging.Logger, processors ...Processor) *Dispatcher {
	if log == nil {
		log = logging.NewNull()
	}
	return &Dispatcher{registry: registry, router: router, processors: processors, log: log}
}

var _ handler.Dispatcher = (*Dispatcher)(nil)

// Dispatch implements handler.Dispatcher: the simplified, type-erased
// entry point handlers use to issue further dispatches through their
// injected Context. It delegates to Run.
func (d *Dispatcher) Dispatch(ctx context.Context, route string, msg *wire.Message, publish bool) (*wire.Message, error) {
	data := &Data{Hierarchy: []routes.Route{routes.Route(route)}, Properties: map[string]any{}, raw: msg}
	res, err := d.Run(ctx, data, publish)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if wm, ok := res.Value.(*wire.Message); ok {
		return wm, nil
	}
	return msg, nil
}

// Publish broadcasts payload under route to every registered handler,
// local and remote. The returned error is nil only when every target
// succeeded; a partial failure surfaces as an AggregateFailure Result
// carrying the per-target outcomes.
func (d *Dispatcher) Publish(ctx context.Context, route string, payload any) error {
	res, err := d.Run(ctx, NewData(route, payload), true)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// Run is the full dispatch entry point: derive routes from
// data's hierarchy; try in-process handlers first; otherwise invoke the
// router.
func (d *Dispatcher) Run(ctx context.Context, data *Data, publish bool) (*Result, error) {
	sc := newScope()
	defer sc.release()
	ctx = withScope(ctx, sc)

	for _, route := range data.Hierarchy {
		regs := localFirst(filterPublish(d.registry.Resolve(handler.Route(route)), publish))
		if len(regs) == 0 {
			continue
		}

		if !publish {
			// A handler exists at this level: local dispatch always
			// wins over a network hop, regardless of the handler's own
			// success or failure. LocalOnly registrations were ordered
			// to the front, so one of them gets the message whenever
			// the route has any.
			return d.invoke(ctx, regs[0], route, data, publish), nil
		}

		local := d.invokeAll(ctx, regs, route, data)
		remote, rerr := d.router.Route(ctx, data.Hierarchy, mustEncode(data), true)
		return aggregatePublish(local, remote, rerr), nil
	}

	// No in-process handler anywhere in the hierarchy: the whole chain
	// goes to the router, which performs its own descent across remote
	// targets.
	msg, err := data.Encode()
	if err != nil {
		return &Result{Err: resultkind.New(resultkind.HandlerFailure, "dispatch: encode outgoing message", err)}, nil
	}
	replies, err := d.router.Route(ctx, data.Hierarchy, msg, publish)
	if err != nil && len(replies) == 0 {
		return &Result{Err: asResult(err)}, nil
	}
	if publish {
		return aggregatePublish(nil, replies, err), nil
	}
	if len(replies) == 0 {
		return &Result{Err: resultkind.NotFound(string(data.Hierarchy[0]))}, nil
	}
	return &Result{Value: replies[0]}, nil
}

func mustEncode(data *Data) *wire.Message {
	msg, err := data.Encode()
	if err != nil {
		return wire.New()
	}
	return msg
}

// localFirst orders LocalOnly registrations ahead of the rest,
// preserving registration order within each group: a handler that
// opted into in-process dispatch gets the first shot at a message
// before any other handler for the same route.
func localFirst(regs []handler.Registration) []handler.Registration {
	out := make([]handler.Registration, 0, len(regs))
	for _, r := range regs {
		if r.Options.Has(handler.LocalOnly) {
			out = append(out, r)
		}
	}
	for _, r := range regs {
		if !r.Options.Has(handler.LocalOnly) {
			out = append(out, r)
		}
	}
	return out
}

// filterPublish drops PublishOnly registrations for a point-to-point
// dispatch.
func filterPublish(regs []handler.Registration, publish bool) []handler.Registration {
	if publish {
		return regs
	}
	out := make([]handler.Registration, 0, len(regs))
	for _, r := range regs {
		if !r.Options.Has(handler.PublishOnly) {
			out = append(out, r)
		}
	}
	return out
}

// invoke runs a single registration through the processor pipeline,
// converting a panic into a HandlerFailure Result so nothing escapes
// the pipeline unconverted.
func (d *Dispatcher) invoke(ctx context.Context, reg handler.Registration, route routes.Route, data *Data, publish bool) *Result {
	hctx := handler.Context{Route: handler.Route(route), Publish: publish, Dispatcher: d}

	innermost := Next(func(ctx context.Context, data *Data) (any, error) {
		msg, err := data.Encode()
		if err != nil {
			return nil, err
		}
		return reg.Invoke(ctx, hctx, msg)
	})

	chain := innermost
	for i := len(d.processors) - 1; i >= 0; i-- {
		p := d.processors[i]
		prev := chain
		chain = func(ctx context.Context, data *Data) (any, error) { return p.Process(ctx, data, prev) }
	}

	return d.safeCall(ctx, chain, data)
}

// invokeAll runs every registration at route for a publish dispatch,
// collecting per-target outcomes keyed by the registration's type name.
func (d *Dispatcher) invokeAll(ctx context.Context, regs []handler.Registration, route routes.Route, data *Data) map[string]*Result {
	out := make(map[string]*Result, len(regs))
	for _, reg := range regs {
		out[reg.TypeName] = d.invoke(ctx, reg, route, data, true)
	}
	return out
}

// safeCall invokes chain, recovering a panic into a HandlerFailure
// Result and mapping the return value: void/Unit -> nil value; a
// *Result already -> returned verbatim; any other value -> success
// carrying it; an error -> failure carrying the cause.
func (d *Dispatcher) safeCall(ctx context.Context, chain Next, data *Data) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.With("panic", r).Error("dispatch: handler panicked")
			res = &Result{Err: resultkind.New(resultkind.HandlerFailure, "dispatch: handler panicked", nil)}
		}
	}()

	v, err := chain(ctx, data)
	if err != nil {
		return &Result{Err: asResult(err)}
	}
	if already, ok := v.(*Result); ok {
		return already
	}
	return &Result{Value: v}
}

func asResult(err error) *resultkind.Result {
	if r, ok := err.(*resultkind.Result); ok {
		return r
	}
	return resultkind.New(resultkind.HandlerFailure, "dispatch: handler returned an error", err)
}

// aggregatePublish merges local handler outcomes with the router's
// remote replies into a single Result. The overall Result carries an
// AggregateFailure as soon as any target -- local or remote -- failed.
func aggregatePublish(local map[string]*Result, remote []*wire.Message, remoteErr error) *Result {
	outcomes := map[string]*resultkind.Result{}
	anyFailure := false

	for name, r := range local {
		if r.Err != nil {
			outcomes[name] = r.Err
			anyFailure = true
		}
	}
	if remoteErr != nil {
		outcomes["remote"] = asResult(remoteErr)
		anyFailure = true
	}

	if anyFailure {
		return &Result{Err: resultkind.Aggregate(outcomes)}
	}
	return &Result{Value: remote}
}
