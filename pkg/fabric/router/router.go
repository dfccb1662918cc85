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

// Package router implements the message router: given a
// route or a hierarchy of routes, look the target endpoints up in the
// route manager, apply point-to-point vs. publish policy, and send.
// Publish dispatches fan out to every eligible target in parallel;
// point-to-point dispatches try targets in order and descend the route
// hierarchy when nothing answers.
package router

import (
	"context"

	"github.com/getoutreach/modhost/pkg/endpoint"
	"github.com/getoutreach/modhost/pkg/fabric/routes"
	"github.com/getoutreach/modhost/pkg/resultkind"
	"github.com/getoutreach/modhost/pkg/wire"
	"github.com/hashicorp/go-multierror"
)

// Sender delivers a message to a specific endpoint address and returns
// its reply, satisfied by pkg/fabric.Fabric.
type Sender interface {
	Send(ctx context.Context, target endpoint.Address, msg *wire.Message) (*wire.Message, error)
}

// Router applies handler-selection policy across the route manager and
// a Sender.
type Router struct {
	manager *routes.Manager
	sender  Sender
}

// New creates a Router over manager and sender.
func New(manager *routes.Manager, sender Sender) *Router {
	return &Router{manager: manager, sender: sender}
}

// targets returns the registrations eligible for route, filtering out
// PublishOnly targets for a non-publish dispatch unless an explicit
// target endpoint was given.
func targets(regs []routes.Registration, publish bool, explicit *endpoint.Address) []routes.Registration {
	if explicit != nil {
		out := make([]routes.Registration, 0, 1)
		for _, r := range regs {
			if r.Endpoint.Equal(*explicit) {
				out = append(out, r)
			}
		}
		return out
	}
	if publish {
		return regs
	}
	out := make([]routes.Registration, 0, len(regs))
	for _, r := range regs {
		if !r.Options.Has(routes.PublishOnly) {
			out = append(out, r)
		}
	}
	return out
}

// Route looks up targets for routeChain[0] and dispatches msg to them.
// For a publish dispatch, every eligible target is sent to in parallel
// and every response is returned. For a point-to-point dispatch,
// targets are tried one at a time, in the order GetRoutes returns them
// (which is not defined), and the first successful reply is returned;
// if every target in this route
// fails with DispatchNotFound and more routes remain in the chain, the
// router descends to the next, less-derived route.
func (r *Router) Route(ctx context.Context, routeChain []routes.Route, msg *wire.Message, publish bool) ([]*wire.Message, error) {
	return r.route(ctx, routeChain, msg, publish, nil)
}

// RouteTo is the explicit-target form: send msg to target regardless
// of whether its registration is PublishOnly.
func (r *Router) RouteTo(ctx context.Context, route routes.Route, msg *wire.Message, target endpoint.Address) (*wire.Message, error) {
	results, err := r.route(ctx, []routes.Route{route}, msg, false, &target)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, resultkind.NotFound(string(route))
	}
	return results[0], nil
}

func (r *Router) route(
	ctx context.Context, routeChain []routes.Route, msg *wire.Message, publish bool, explicit *endpoint.Address,
) ([]*wire.Message, error) {
	if len(routeChain) == 0 {
		return nil, resultkind.NotFound("<empty route chain>")
	}

	regs := targets(r.manager.GetRoutes(routeChain[0]), publish, explicit)
	if len(regs) == 0 {
		return r.descend(ctx, routeChain, msg, publish, explicit)
	}

	if publish {
		return r.publishAll(ctx, regs, msg)
	}

	reply, notFound := r.tryEach(ctx, regs, msg)
	if reply != nil {
		return []*wire.Message{reply}, nil
	}
	if !notFound {
		return nil, resultkind.New(resultkind.TransportFailure, "router: all targets for "+string(routeChain[0])+" failed", nil)
	}
	return r.descend(ctx, routeChain, msg, publish, explicit)
}

// descend recurses into the remainder of the route chain, permitting a
// message to reach a handler registered for a base type when no
// handler is registered for the more-derived type.
func (r *Router) descend(
	ctx context.Context, routeChain []routes.Route, msg *wire.Message, publish bool, explicit *endpoint.Address,
) ([]*wire.Message, error) {
	if len(routeChain) <= 1 {
		if publish && explicit == nil {
			// A publish with no subscribers anywhere in the chain is a
			// no-op, not a failure: zero targets yield zero responses.
			return nil, nil
		}
		return nil, resultkind.NotFound(string(routeChain[0]))
	}
	return r.route(ctx, routeChain[1:], msg, publish, explicit)
}

// tryEach attempts targets in order, returning the first reply that
// isn't a DispatchNotFound failure. notFound is true only when every
// target failed with DispatchNotFound, signaling the caller to descend
// the route hierarchy instead of failing up.
func (r *Router) tryEach(ctx context.Context, regs []routes.Registration, msg *wire.Message) (reply *wire.Message, notFound bool) {
	notFound = true
	for _, reg := range regs {
		resp, err := r.sender.Send(ctx, reg.Endpoint, msg)
		if err == nil {
			return resp, false
		}
		if !resultkind.IsKind(err, resultkind.DispatchNotFound) {
			notFound = false
		}
	}
	return nil, notFound
}

// publishAll sends msg to every target in parallel and collects every
// response. Cancellation propagates to every in-flight send; partial
// results are returned best-effort alongside an aggregated failure if
// any target failed.
func (r *Router) publishAll(ctx context.Context, regs []routes.Registration, msg *wire.Message) ([]*wire.Message, error) {
	type outcome struct {
		reply *wire.Message
		err   error
		ep    endpoint.Address
	}

	results := make(chan outcome, len(regs))
	for _, reg := range regs {
		go func(reg routes.Registration) {
			resp, err := r.sender.Send(ctx, reg.Endpoint, msg)
			results <- outcome{reply: resp, err: err, ep: reg.Endpoint}
		}(reg)
	}

	var replies []*wire.Message
	var merr *multierror.Error
	for i := 0; i < len(regs); i++ {
		out := <-results
		if out.err != nil {
			merr = multierror.Append(merr, out.err)
			continue
		}
		replies = append(replies, out.reply)
	}

	if merr != nil && merr.Len() > 0 {
		return replies, merr.ErrorOrNil()
	}
	return replies, nil
}
