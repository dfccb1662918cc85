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

package resultkind_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/getoutreach/modhost/pkg/resultkind"
	"gotest.tools/v3/assert"
)

func TestResultErrorIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	r := resultkind.New(resultkind.TransportFailure, "send failed", cause)
	assert.Assert(t, r.Error() == "transport-failure: send failed: boom")
}

func TestResultErrorWithoutCause(t *testing.T) {
	r := resultkind.NotFound("greet")
	assert.Equal(t, r.Error(), "dispatch-not-found: no handler registered for route greet")
}

func TestResultUnwrapExposesCause(t *testing.T) {
	cause := errors.New("underlying")
	r := resultkind.New(resultkind.HandlerFailure, "wrapped", cause)
	assert.Assert(t, errors.Is(r, cause))
}

func TestIsKindMatchesWrappedResult(t *testing.T) {
	r := resultkind.Failure(resultkind.Validation, "bad field", nil)
	wrapped := fmt.Errorf("handler: %w", r)
	assert.Assert(t, resultkind.IsKind(wrapped, resultkind.HandlerFailure))
	assert.Assert(t, !resultkind.IsKind(wrapped, resultkind.Timeout))
}

func TestIsKindFalseForPlainError(t *testing.T) {
	assert.Assert(t, !resultkind.IsKind(errors.New("plain"), resultkind.Timeout))
}

func TestAggregateCarriesPerTargetOutcomes(t *testing.T) {
	outcomes := map[string]*resultkind.Result{
		"target-a": resultkind.Failure(resultkind.StorageIssue, "disk full", nil),
	}
	r := resultkind.Aggregate(outcomes)
	assert.Equal(t, r.Kind, resultkind.AggregateFailure)
	assert.Equal(t, len(r.Data), 1)
	assert.Equal(t, r.Data["target-a"], outcomes["target-a"])
}

func TestKindStringCoversEveryKind(t *testing.T) {
	kinds := []resultkind.Kind{
		resultkind.DispatchNotFound, resultkind.HandlerFailure, resultkind.AggregateFailure,
		resultkind.TransportFailure, resultkind.SessionExpired, resultkind.Cancelled,
		resultkind.Timeout, resultkind.VersionConflict, resultkind.ConcurrencyConflict,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		assert.Assert(t, s != "unspecified", "kind %d rendered as unspecified", k)
		assert.Assert(t, !seen[s], "duplicate rendering %q", s)
		seen[s] = true
	}
}
