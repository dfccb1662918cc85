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

// Package mux demultiplexes a single physical connection into many
// named sub-endpoints. go-plugin uses hashicorp/yamux internally as
// its own transport multiplexer; this package promotes yamux to a
// direct dependency and generalizes that same "one connection, many
// logical streams" idea into named sub-endpoints. Each named
// sub-endpoint owns one yamux stream, opened by the dialing side on
// first Send and accepted by the peer's accept loop; the
// <nameLen:u32 LE><utf8-name> prefix travels as the first bytes on that
// stream, so a stream whose name has no registered sub-endpoint can be
// logged and dropped.
//
// A SubEndpoint satisfies transport.Endpoint, so higher layers that
// normally ride a socket-per-peer endpoint -- a fabric.Fabric most of
// all -- can ride one named channel of a shared connection instead.
package mux

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/getoutreach/modhost/pkg/logging"
	"github.com/getoutreach/modhost/pkg/resultkind"
	"github.com/getoutreach/modhost/pkg/transport"
	"github.com/getoutreach/modhost/pkg/wire"
	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
)

// Multiplexer wraps a single net.Conn with a yamux session and
// presents named sub-endpoints over it.
type Multiplexer struct {
	log     logging.Logger
	session *yamux.Session
	client  bool

	mu    sync.Mutex
	named map[string]*SubEndpoint
}

// NewClient wraps nc as the dialing side of the multiplexed
// connection. The dialing side opens yamux streams; the accepting side
// (NewServer) accepts them.
func NewClient(nc net.Conn, log logging.Logger) (*Multiplexer, error) {
	sess, err := yamux.Client(nc, yamux.DefaultConfig())
	if err != nil {
		return nil, errors.Wrap(err, "mux: create client session")
	}
	return newMultiplexer(sess, true, log), nil
}

// NewServer wraps nc as the accepting side of the multiplexed
// connection.
func NewServer(nc net.Conn, log logging.Logger) (*Multiplexer, error) {
	sess, err := yamux.Server(nc, yamux.DefaultConfig())
	if err != nil {
		return nil, errors.Wrap(err, "mux: create server session")
	}
	return newMultiplexer(sess, false, log), nil
}

func newMultiplexer(sess *yamux.Session, client bool, log logging.Logger) *Multiplexer {
	if log == nil {
		log = logging.NewNull()
	}
	m := &Multiplexer{log: log, session: sess, client: client, named: map[string]*SubEndpoint{}}
	go m.acceptLoop()
	return m
}

// SubEndpoint is one named logical channel multiplexed over the shared
// yamux session. It implements transport.Endpoint, with the one
// difference a shared session implies: the peer is fixed, so the
// remote address passed to Send is ignored.
type SubEndpoint struct {
	name string
	mu   sync.Mutex
	conn net.Conn // yamux stream once established

	m *Multiplexer

	incoming chan *transport.Inbound
}

var _ transport.Endpoint = (*SubEndpoint)(nil)

// Endpoint returns the sub-endpoint for name, creating its bookkeeping
// entry if this is the first reference. The underlying yamux stream
// isn't opened until the first Send, or claimed until a stream with a
// matching name prefix is accepted.
func (m *Multiplexer) Endpoint(name string) *SubEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if se, ok := m.named[name]; ok {
		return se
	}
	se := &SubEndpoint{name: name, m: m, incoming: make(chan *transport.Inbound, 64)}
	m.named[name] = se
	return se
}

// writeNamePrefix writes the <nameLen:u32 LE><utf8 name> prefix frame
// as the first frame on a freshly opened stream.
func writeNamePrefix(w io.Writer, name string) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(name)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, name)
	return err
}

func readNamePrefix(r io.Reader) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// LocalAddress implements transport.Endpoint: the shared session's
// local address qualified by the sub-endpoint's name, so a coordination
// service can hand it out as a routable physical address.
func (se *SubEndpoint) LocalAddress() string {
	return se.m.session.LocalAddr().String() + "/" + se.name
}

// Send implements transport.Endpoint: it opens the sub-endpoint's
// stream on first use and writes msg to it, framed by pkg/wire. The
// remote parameter is ignored; the stream's peer is fixed when the
// shared session is set up.
func (se *SubEndpoint) Send(ctx context.Context, _ string, msg *wire.Message) error {
	se.mu.Lock()
	defer se.mu.Unlock()

	if se.conn == nil {
		if !se.m.client {
			return resultkind.New(resultkind.TransportFailure,
				"mux: sub-endpoint "+se.name+" has no stream yet (accepting side can't originate streams)", nil)
		}
		stream, err := se.m.session.OpenStream()
		if err != nil {
			return resultkind.New(resultkind.TransportFailure, "mux: open stream for "+se.name, err)
		}
		if err := writeNamePrefix(stream, se.name); err != nil {
			stream.Close()
			return resultkind.New(resultkind.TransportFailure, "mux: write name prefix for "+se.name, err)
		}
		se.conn = stream
		// The peer answers on this same stream, so it needs a reader
		// from the moment it exists.
		go se.m.readStream(stream, se)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := wire.Encode(se.conn, msg); err != nil {
		return resultkind.New(resultkind.TransportFailure, "mux: send on "+se.name, err)
	}
	return nil
}

// Receive implements transport.Endpoint: it returns the next message
// delivered to this sub-endpoint, with the peer's session address as
// the sender.
func (se *SubEndpoint) Receive(ctx context.Context) (*transport.Inbound, error) {
	select {
	case in := <-se.incoming:
		return in, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements transport.Endpoint: it closes the sub-endpoint's
// stream, if one was ever established. The shared session stays up for
// the other sub-endpoints; closing that is the Multiplexer's job.
func (se *SubEndpoint) Close() error {
	se.mu.Lock()
	defer se.mu.Unlock()
	if se.conn == nil {
		return nil
	}
	return se.conn.Close()
}

// acceptLoop accepts newly opened yamux streams, reads their name
// prefix frame, and routes subsequent frames to the matching
// sub-endpoint's queue. A stream whose name has no registered
// sub-endpoint is logged and dropped.
func (m *Multiplexer) acceptLoop() {
	for {
		stream, err := m.session.AcceptStream()
		if err != nil {
			return
		}
		go m.serveStream(stream)
	}
}

func (m *Multiplexer) serveStream(stream net.Conn) {
	name, err := readNamePrefix(stream)
	if err != nil {
		stream.Close()
		return
	}

	m.mu.Lock()
	se, ok := m.named[name]
	if ok {
		se.conn = stream
	}
	m.mu.Unlock()

	if !ok {
		m.log.With("name", name).Info("mux: dropping stream for unknown sub-endpoint")
		stream.Close()
		return
	}

	m.readStream(stream, se)
}

// readStream pumps one yamux stream's messages into its sub-endpoint's
// queue until the stream closes. It runs for accepted streams and for
// streams the dialing side opened itself.
func (m *Multiplexer) readStream(stream net.Conn, se *SubEndpoint) {
	from := m.session.RemoteAddr().String() + "/" + se.name
	for {
		msg, err := wire.Decode(stream)
		if err != nil {
			return
		}
		select {
		case se.incoming <- &transport.Inbound{Message: msg, From: from}:
		default:
			m.log.With("name", se.name).Warn("mux: sub-endpoint queue full, dropping message")
		}
	}
}

// Close tears down the shared yamux session and every sub-endpoint
// stream opened on it.
func (m *Multiplexer) Close() error {
	return m.session.Close()
}
