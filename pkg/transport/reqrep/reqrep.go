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

// Package reqrep correlates requests with responses over a physical
// endpoint. Many requests can be in flight at once: each outgoing
// request is assigned a correlation id, and inbound frames are matched
// back to their waiting caller through xsync-backed correlation
// tables.
package reqrep

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getoutreach/modhost/pkg/resultkind"
	"github.com/getoutreach/modhost/pkg/transport"
	"github.com/getoutreach/modhost/pkg/wire"
	"github.com/puzpuzpuz/xsync/v4"
)

// frameKind is the outermost header frame's first byte.
type frameKind uint8

const (
	kindRequest         frameKind = 1
	kindResponse        frameKind = 2
	kindAck             frameKind = 3
	kindCancel          frameKind = 4
	kindCancellationAck frameKind = 5
)

// CancelGracePeriod bounds how long Send waits for a cancellation-ack
// from the peer after emitting a cancel frame, before giving up and
// completing the local operation anyway.
var CancelGracePeriod = 2 * time.Second

// Transport is the subset of pkg/transport.Endpoint reqrep needs: a
// way to send to a named remote and receive whatever arrives next.
type Transport interface {
	Send(ctx context.Context, remote string, msg *wire.Message) error
	Receive(ctx context.Context) (*transport.Inbound, error)
}

// header encodes the <kind:u8><corrId:u32 LE> outermost frame.
func header(kind frameKind, corrID uint32) wire.Frame {
	f := make(wire.Frame, 5)
	f[0] = byte(kind)
	binary.LittleEndian.PutUint32(f[1:], corrID)
	return f
}

func parseHeader(f wire.Frame) (frameKind, uint32, bool) {
	if len(f) != 5 {
		return 0, 0, false
	}
	return frameKind(f[0]), binary.LittleEndian.Uint32(f[1:]), true
}

type callResult struct {
	kind frameKind
	msg  *wire.Message
}

// Request is an inbound request delivered by Receive. Exactly one of
// SendResponse, SendAck, or SendCancellationAck must be called;
// Close is equivalent to SendAck if none were.
type Request struct {
	CorrID  uint32
	From    string
	Message *wire.Message

	e        *Endpoint
	canceled chan struct{}
	once     sync.Once
	closed   atomic.Bool
}

// Canceled is closed if the peer sends a cancel frame for this
// request before it's answered.
func (r *Request) Canceled() <-chan struct{} { return r.canceled }

func (r *Request) reply(ctx context.Context, kind frameKind) error {
	r.closed.Store(true)
	r.e.incomingTable.Delete(r.CorrID)
	msg := wire.New()
	msg.Push(header(kind, r.CorrID))
	return r.e.transport.Send(ctx, r.From, msg)
}

// SendResponse answers the request with a payload.
func (r *Request) SendResponse(ctx context.Context, payload *wire.Message) error {
	r.closed.Store(true)
	r.e.incomingTable.Delete(r.CorrID)
	msg := payload.Clone()
	msg.Push(header(kindResponse, r.CorrID))
	return r.e.transport.Send(ctx, r.From, msg)
}

// SendAck answers the request with no payload.
func (r *Request) SendAck(ctx context.Context) error { return r.reply(ctx, kindAck) }

// SendCancellationAck acknowledges a cancel frame received from the
// peer for this request.
func (r *Request) SendCancellationAck(ctx context.Context) error {
	return r.reply(ctx, kindCancellationAck)
}

// Close disposes of the request without an explicit reply, which is
// equivalent to SendAck.
func (r *Request) Close() error {
	if r.closed.Load() {
		return nil
	}
	return r.SendAck(context.Background())
}

// Endpoint correlates requests with responses over a Transport.
type Endpoint struct {
	transport Transport

	nextID uint32 // atomic, masked to 31 bits

	outgoingTable *xsync.Map[uint32, chan callResult]
	incomingTable *xsync.Map[uint32, *Request]

	inbound chan *Request

	ctx    context.Context
	cancel context.CancelFunc
}

// New wraps t with request/reply correlation and starts its receive
// pump. The pump runs until the returned Endpoint is closed.
func New(t Transport) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		transport:     t,
		outgoingTable: xsync.NewMap[uint32, chan callResult](),
		incomingTable: xsync.NewMap[uint32, *Request](),
		inbound:       make(chan *Request, 256),
		ctx:           ctx,
		cancel:        cancel,
	}
	go e.pump()
	return e
}

func (e *Endpoint) newCorrID() uint32 {
	return uint32(atomic.AddUint32(&e.nextID, 1) & 0x7fffffff)
}

// pump reads inbound wire messages forever, peels the header frame,
// and routes by kind.
func (e *Endpoint) pump() {
	for {
		in, err := e.transport.Receive(e.ctx)
		if err != nil {
			return
		}

		hdr, ok := in.Message.Pop()
		kind, corrID, ok2 := parseHeader(hdr)
		if !ok || !ok2 {
			continue
		}

		switch kind {
		case kindRequest:
			req := &Request{CorrID: corrID, From: in.From, Message: in.Message, e: e, canceled: make(chan struct{})}
			e.incomingTable.Store(corrID, req)
			select {
			case e.inbound <- req:
			default:
				// Inbound queue full: drop newest.
				e.incomingTable.Delete(corrID)
			}
		case kindResponse, kindAck, kindCancellationAck:
			if ch, ok := e.outgoingTable.Load(corrID); ok {
				select {
				case ch <- callResult{kind: kind, msg: in.Message}:
				default:
				}
			}
		case kindCancel:
			if req, ok := e.incomingTable.Load(corrID); ok {
				req.once.Do(func() { close(req.canceled) })
			}
		}
	}
}

// Send issues a request to remote and waits for its outcome: a
// response (payload returned), an ack (nil, nil), or a
// cancellation-ack after ctx is canceled (nil, Cancelled Result).
// Every call terminates in exactly one of
// {response, ack, cancel-ack, timeout, transport-failure}.
func (e *Endpoint) Send(ctx context.Context, remote string, packet *wire.Message) (*wire.Message, error) {
	corrID := e.newCorrID()
	ch := make(chan callResult, 1)
	e.outgoingTable.Store(corrID, ch)
	defer e.outgoingTable.Delete(corrID)

	msg := packet.Clone()
	msg.Push(header(kindRequest, corrID))
	if err := e.transport.Send(ctx, remote, msg); err != nil {
		return nil, resultkind.New(resultkind.TransportFailure, "reqrep: send request", err)
	}

	select {
	case res := <-ch:
		return e.resultToValue(res)
	case <-ctx.Done():
		return e.awaitCancellation(ctx, remote, corrID, ch)
	}
}

func (e *Endpoint) resultToValue(res callResult) (*wire.Message, error) {
	switch res.kind {
	case kindResponse:
		return res.msg, nil
	case kindAck:
		return nil, nil
	case kindCancellationAck:
		return nil, resultkind.New(resultkind.Cancelled, "reqrep: peer acknowledged cancellation", nil)
	default:
		return nil, resultkind.New(resultkind.TransportFailure, "reqrep: unexpected frame kind", nil)
	}
}

// awaitCancellation emits a cancel frame and waits, for a bounded
// grace period, for the peer's cancellation-ack -- or for a response
// that was already in flight when the cancellation raced it. A caller
// whose deadline elapsed observes Timeout, not Cancelled.
func (e *Endpoint) awaitCancellation(
	parent context.Context, remote string, corrID uint32, ch chan callResult,
) (*wire.Message, error) {
	kind := resultkind.Cancelled
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		kind = resultkind.Timeout
	}

	cancelMsg := wire.New()
	cancelMsg.Push(header(kindCancel, corrID))
	// Best-effort: use a detached context since parent is already done.
	_ = e.transport.Send(context.Background(), remote, cancelMsg)

	select {
	case res := <-ch:
		if res.kind == kindCancellationAck {
			return nil, resultkind.New(kind, "reqrep: peer acknowledged cancellation", parent.Err())
		}
		return e.resultToValue(res)
	case <-time.After(CancelGracePeriod):
		return nil, resultkind.New(kind, "reqrep: peer did not acknowledge cancellation in time", parent.Err())
	}
}

// Receive returns the next inbound request.
func (e *Endpoint) Receive(ctx context.Context) (*Request, error) {
	select {
	case req := <-e.inbound:
		return req, nil
	case <-e.ctx.Done():
		return nil, resultkind.New(resultkind.TransportFailure, "reqrep: endpoint closed", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the receive pump. Outstanding correlation tables are
// left for the garbage collector; in-flight Send calls will observe
// their own ctx cancellation or the underlying transport closing.
func (e *Endpoint) Close() error {
	e.cancel()
	return nil
}
