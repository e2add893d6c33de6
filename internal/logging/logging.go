// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging builds the slog handlers used by the command line tool.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/phsym/console-slog"
)

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatText    = "text"
)

// Options selects the level, format and destination of a logger.
type Options struct {
	Level     string
	Format    string
	AddSource bool
	Output    io.Writer
}

// ParseLevel converts debug, info, warn or error into a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unknown level %q", s)
}

// New returns a logger and the level variable controlling it.
func New(o Options) (*slog.Logger, *slog.LevelVar, error) {
	lv, err := ParseLevel(o.Level)
	if err != nil {
		return nil, nil, err
	}
	level := &slog.LevelVar{}
	level.Set(lv)

	out := o.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	switch strings.ToLower(o.Format) {
	case "", FormatConsole:
		handler = console.NewHandler(out, &console.HandlerOptions{
			AddSource: o.AddSource,
			Level:     level,
		})
	case FormatJSON:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			AddSource: o.AddSource,
			Level:     level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					a.Key = "ts"
				}
				return a
			},
		})
	case FormatText:
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{
			AddSource: o.AddSource,
			Level:     level,
		})
	default:
		return nil, nil, fmt.Errorf("logging: unknown format %q", o.Format)
	}
	return slog.New(handler), level, nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
