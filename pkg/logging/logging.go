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

// Package logging is a small wrapper around [hclog.Logger] focused on
// providing a single logger type across the fabric, resolver, and
// transport packages. hclog is used, rather than a second adapter
// layer, because hashicorp/yamux itself takes an hclog.Logger directly.
package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Logger is the logging contract used throughout modhost. It is
// satisfied by [hclog.Logger] itself; New wraps hclog with the naming
// conventions used across this codebase.
type Logger = hclog.Logger

// New creates a new logger writing to stderr at info level.
func New(name string) Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.Info,
		Output: os.Stderr,
	})
}

// NewNull returns a logger that discards all output, for tests.
func NewNull() Logger {
	return hclog.NewNullLogger()
}

// WithErr is shorthand for log.With("error", err) that keeps the key
// consistent across every caller.
func WithErr(log Logger, err error) Logger {
	return log.With("error", err)
}
