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

// Package fabric implements the logical endpoint: a
// routable Address that resolves to a physical address via the
// coordination-service contract (internal/coordination), reconnecting
// and re-resolving transparently on failed sends.
package fabric

import (
	"context"
	"time"

	"github.com/getoutreach/modhost/internal/coordination"
	"github.com/getoutreach/modhost/pkg/endpoint"
	"github.com/getoutreach/modhost/pkg/logging"
	"github.com/getoutreach/modhost/pkg/resultkind"
	"github.com/getoutreach/modhost/pkg/transport"
	"github.com/getoutreach/modhost/pkg/transport/reqrep"
	"github.com/getoutreach/modhost/pkg/wire"
	"github.com/pkg/errors"
)

// addressPrefix is the coordination-service key namespace logical
// endpoint addresses are published under.
const addressPrefix = "fabric/endpoints/"

func addressKey(a endpoint.Address) string { return addressPrefix + a.Key() }

// Options configures a Fabric.
type Options struct {
	// MaxResolveBackoff caps the exponential backoff used while
	// re-resolving a physical address after a failed send.
	MaxResolveBackoff time.Duration
	Log               logging.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxResolveBackoff <= 0 {
		o.MaxResolveBackoff = 30 * time.Second
	}
	if o.Log == nil {
		o.Log = logging.NewNull()
	}
	return o
}

// Fabric is the logical-endpoint layer: it owns a local Address,
// publishes its physical location to the coordination service, and
// sends to other logical addresses by resolving their physical
// location first. It implements pkg/fabric/router.Sender.
type Fabric struct {
	self     endpoint.Address
	coord    coordination.Service
	phys     transport.Endpoint
	rr       *reqrep.Endpoint
	opts     Options
	resolved *addressCache
}

// New creates a Fabric bound to self, backed by phys for I/O and coord
// for address resolution.
func New(self endpoint.Address, phys transport.Endpoint, coord coordination.Service, opts Options) *Fabric {
	opts = opts.withDefaults()
	return &Fabric{
		self:     self,
		coord:    coord,
		phys:     phys,
		rr:       reqrep.New(phys),
		opts:     opts,
		resolved: newAddressCache(),
	}
}

// Address returns this Fabric's own logical address.
func (f *Fabric) Address() endpoint.Address { return f.self }

// Register publishes this Fabric's physical location under its own
// logical address for the lifetime of session: once session ends, the
// coordination service removes the entry and peers must re-resolve
// (and find nothing, observing SessionExpired) until Register is
// called again.
func (f *Fabric) Register(ctx context.Context, session coordination.Session) error {
	return f.coord.Put(ctx, addressKey(f.self), []byte(f.phys.LocalAddress()), coordination.WithSession(session))
}

// resolve returns target's physical address, consulting the local
// cache first and falling back to the coordination service.
func (f *Fabric) resolve(ctx context.Context, target endpoint.Address) (string, error) {
	if addr, ok := f.resolved.get(target); ok {
		return addr, nil
	}
	return f.refresh(ctx, target)
}

// resolveAfterFailure re-resolves target's physical address after a
// failed send, retrying with exponential backoff while the target has
// no registered address. The backoff doubles from 50ms up to
// Options.MaxResolveBackoff; once it reaches the ceiling the last
// error is returned rather than waiting forever, so a dead target
// eventually fails up to the router.
func (f *Fabric) resolveAfterFailure(ctx context.Context, target endpoint.Address) (string, error) {
	backoff := 50 * time.Millisecond
	for {
		addr, err := f.refresh(ctx, target)
		if err == nil {
			return addr, nil
		}
		if !resultkind.IsKind(err, resultkind.SessionExpired) {
			return "", err
		}
		if backoff >= f.opts.MaxResolveBackoff {
			return "", err
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
		if backoff > f.opts.MaxResolveBackoff {
			backoff = f.opts.MaxResolveBackoff
		}
	}
}

// refresh always consults the coordination service, bypassing the
// cache, and updates the cache on success.
func (f *Fabric) refresh(ctx context.Context, target endpoint.Address) (string, error) {
	val, ok, err := f.coord.Get(ctx, addressKey(target))
	if err != nil {
		return "", resultkind.New(resultkind.TransportFailure, "fabric: resolve "+target.String(), err)
	}
	if !ok {
		return "", resultkind.New(resultkind.SessionExpired, "fabric: no physical address registered for "+target.String(), nil)
	}
	addr := string(val)
	f.resolved.set(target, addr)
	return addr, nil
}

// Send implements router.Sender: resolve target's physical address,
// send packet, and retry once after a forced re-resolve if the send
// fails with a transport error (the cached address may be stale).
func (f *Fabric) Send(ctx context.Context, target endpoint.Address, packet *wire.Message) (*wire.Message, error) {
	addr, err := f.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	reply, err := f.rr.Send(ctx, addr, packet)
	if err == nil || !resultkind.IsKind(err, resultkind.TransportFailure) {
		return reply, err
	}

	f.resolved.invalidate(target)
	addr, rerr := f.resolveAfterFailure(ctx, target)
	if rerr != nil {
		return nil, errors.Wrap(err, rerr.Error())
	}
	return f.rr.Send(ctx, addr, packet)
}

// Receive returns the next inbound request addressed to this Fabric's
// physical endpoint.
func (f *Fabric) Receive(ctx context.Context) (*reqrep.Request, error) {
	return f.rr.Receive(ctx)
}

// Close releases the underlying request/reply correlator and physical
// endpoint.
func (f *Fabric) Close() error {
	f.rr.Close()
	return f.phys.Close()
}
