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

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"trace", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("json renames time key", func(t *testing.T) {
		require := require.New(t)
		var buf bytes.Buffer
		logger, _, err := New(Options{Level: "info", Format: FormatJSON, Output: &buf})
		require.NoError(err)

		logger.Info("channel opened", slog.Uint64("channel_id", 7))
		var rec map[string]any
		require.NoError(json.Unmarshal(buf.Bytes(), &rec))
		require.Contains(rec, "ts")
		require.NotContains(rec, "time")
		require.Equal("channel opened", rec["msg"])
		require.EqualValues(7, rec["channel_id"])
	})

	t.Run("level var filters", func(t *testing.T) {
		require := require.New(t)
		var buf bytes.Buffer
		logger, level, err := New(Options{Level: "warn", Format: FormatText, Output: &buf})
		require.NoError(err)

		logger.Info("hidden")
		require.Zero(buf.Len())
		level.Set(slog.LevelDebug)
		logger.Debug("shown")
		require.Contains(buf.String(), "shown")
	})

	t.Run("console", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := New(Options{Output: &buf})
		require.NoError(t, err)
		logger.Info("session activated")
		require.Contains(t, buf.String(), "session activated")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, _, err := New(Options{Format: "xml"})
		require.Error(t, err)
	})
}
