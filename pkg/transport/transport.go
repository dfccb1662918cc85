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

// Package transport implements the physical endpoint: a bidirectional
// datagram channel keyed by a physical address, framing every message
// with pkg/wire and reconnecting transparently on send failure. The
// stream variant here is built on net.Conn with a persistent
// per-remote connection pool.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/getoutreach/modhost/pkg/logging"
	"github.com/getoutreach/modhost/pkg/resultkind"
	"github.com/getoutreach/modhost/pkg/wire"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
)

// Inbound is one received message together with the verified address
// of its sender.
type Inbound struct {
	Message *wire.Message
	From    string
}

// Endpoint is a physical endpoint: send frames messages to a remote
// address over a persistent, reused connection, and receive messages
// addressed to this endpoint's local address. Implementations must be
// safe for concurrent use.
type Endpoint interface {
	// LocalAddress returns the address this endpoint listens on.
	LocalAddress() string

	// Send frames msg and writes it atomically to remote, opening or
	// reusing a persistent connection. On connection loss it
	// transparently reconnects and retries up to an implementation
	// bound.
	Send(ctx context.Context, remote string, msg *wire.Message) error

	// Receive yields the next inbound message and its sender's address.
	// Blocking is permitted; it must observe ctx cancellation.
	Receive(ctx context.Context) (*Inbound, error)

	// Close releases every connection and stops accepting new ones.
	Close() error
}

// Options configures a stream Endpoint.
type Options struct {
	// MaxRetries bounds how many times Send reconnects and retries a
	// single write before giving up. Zero uses the default of 3.
	MaxRetries int
	// QueueSize bounds the inbound queue. Zero uses the default of 256.
	// Overflow drops the newest message rather than the oldest.
	QueueSize int
	// DialTimeout bounds a single dial attempt. Zero uses 10s.
	DialTimeout time.Duration
	Log         logging.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Log == nil {
		o.Log = logging.NewNull()
	}
	return o
}

// conn wraps a net.Conn with the mutex that serializes writes to it:
// wire.Encode must land on the wire atomically relative to other
// writers of the same connection.
type conn struct {
	mu sync.Mutex
	nc net.Conn
}

// streamEndpoint is the net.Conn-backed Endpoint implementation.
type streamEndpoint struct {
	opts     Options
	listener net.Listener
	conns    *xsync.Map[string, *conn]
	incoming chan *Inbound

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen starts a streamEndpoint bound to addr (e.g. "host:port", or
// ":0" to pick a free port) and begins accepting inbound connections.
func Listen(addr string, opts Options) (Endpoint, error) {
	opts = opts.withDefaults()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen")
	}

	e := &streamEndpoint{
		opts:     opts,
		listener: ln,
		conns:    xsync.NewMap[string, *conn](),
		incoming: make(chan *Inbound, opts.QueueSize),
		closed:   make(chan struct{}),
	}
	go e.acceptLoop()
	return e, nil
}

func (e *streamEndpoint) LocalAddress() string { return e.listener.Addr().String() }

func (e *streamEndpoint) acceptLoop() {
	for {
		nc, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
				logging.WithErr(e.opts.Log, err).Warn("transport: accept failed")
				return
			}
		}
		go e.readLoop(nc)
	}
}

func (e *streamEndpoint) readLoop(nc net.Conn) {
	remote := nc.RemoteAddr().String()
	for {
		msg, err := wire.Decode(nc)
		if err != nil {
			nc.Close()
			return
		}
		in := &Inbound{Message: msg, From: remote}
		select {
		case e.incoming <- in:
		default:
			// Bounded queue overflow: drop newest.
			e.opts.Log.With("from", remote).Warn("transport: inbound queue full, dropping message")
		}
	}
}

// getConn returns a connection to remote, dialing a new one if none is
// cached. A cached connection is returned without a health check; Send
// drops it after a failed write.
func (e *streamEndpoint) getConn(ctx context.Context, remote string) (*conn, error) {
	if c, ok := e.conns.Load(remote); ok {
		return c, nil
	}

	d := net.Dialer{Timeout: e.opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", remote)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: dial %s", remote)
	}
	c := &conn{nc: nc}
	actual, loaded := e.conns.LoadOrStore(remote, c)
	if loaded {
		// Lost the race with a concurrent dialer; use theirs, drop ours.
		nc.Close()
		return actual, nil
	}
	go e.readLoop(nc)
	return c, nil
}

func (e *streamEndpoint) dropConn(remote string, c *conn) {
	// Best-effort: if a concurrent Send already redialed and replaced
	// the cached entry, this just removes the newer one, which will be
	// redialed again on next use. Connections are cheap to reopen.
	e.conns.Delete(remote)
	c.nc.Close()
}

// Send implements Endpoint. On write failure it drops the cached
// connection and redials, up to Options.MaxRetries times.
func (e *streamEndpoint) Send(ctx context.Context, remote string, msg *wire.Message) error {
	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		c, err := e.getConn(ctx, remote)
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		err = wire.Encode(c.nc, msg)
		c.mu.Unlock()
		if err == nil {
			return nil
		}

		lastErr = err
		e.dropConn(remote, c)
	}
	return resultkind.New(resultkind.TransportFailure, "send to "+remote+" failed after retries", lastErr)
}

// Receive implements Endpoint.
func (e *streamEndpoint) Receive(ctx context.Context) (*Inbound, error) {
	select {
	case in := <-e.incoming:
		return in, nil
	case <-e.closed:
		return nil, resultkind.New(resultkind.TransportFailure, "transport closed", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Endpoint.
func (e *streamEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.listener.Close()
		e.conns.Range(func(remote string, c *conn) bool {
			c.nc.Close()
			return true
		})
	})
	return nil
}
