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

package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/getoutreach/modhost/pkg/transport"
	"github.com/getoutreach/modhost/pkg/wire"
	"gotest.tools/v3/assert"
)

func TestSendReceiveOverRealListener(t *testing.T) {
	server, err := transport.Listen("127.0.0.1:0", transport.Options{})
	assert.NilError(t, err)
	defer server.Close()

	client, err := transport.Listen("127.0.0.1:0", transport.Options{})
	assert.NilError(t, err)
	defer client.Close()

	msg := wire.New()
	msg.Push([]byte("hello"))

	assert.NilError(t, client.Send(context.Background(), server.LocalAddress(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in, err := server.Receive(ctx)
	assert.NilError(t, err)

	frame, ok := in.Message.Peek()
	assert.Assert(t, ok)
	assert.Equal(t, string(frame), "hello")
}

func TestReceiveObservesContextCancellation(t *testing.T) {
	server, err := transport.Listen("127.0.0.1:0", transport.Options{})
	assert.NilError(t, err)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseStopsReceive(t *testing.T) {
	server, err := transport.Listen("127.0.0.1:0", transport.Options{})
	assert.NilError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := server.Receive(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	assert.NilError(t, server.Close())

	select {
	case err := <-done:
		assert.Assert(t, err != nil)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}
