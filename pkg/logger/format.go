// Copyright 2025 UMH Systems GmbH
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

package logger

import (
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var bufferPool = buffer.NewPool()

// PrettyConsoleEncoder writes one line per entry:
//
//	[INFO]	[outbox/enqueue.go:42]	[outbox]	enqueued operation - entity=sm-1, kind=update
//
// The timestamp is left to the process supervisor. Fields added with With
// are kept and printed before the entry fields.
type PrettyConsoleEncoder struct {
	*zapcore.MapObjectEncoder
	cfg zapcore.EncoderConfig
}

// NewPrettyConsoleEncoder creates a new PrettyConsoleEncoder instance.
func NewPrettyConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &PrettyConsoleEncoder{
		MapObjectEncoder: zapcore.NewMapObjectEncoder(),
		cfg:              cfg,
	}
}

// Clone implements zapcore.Encoder.
func (e *PrettyConsoleEncoder) Clone() zapcore.Encoder {
	clone := zapcore.NewMapObjectEncoder()
	for k, v := range e.Fields {
		clone.Fields[k] = v
	}

	return &PrettyConsoleEncoder{
		MapObjectEncoder: clone,
		cfg:              e.cfg,
	}
}

// EncodeEntry implements zapcore.Encoder.
func (e *PrettyConsoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line := bufferPool.Get()

	line.AppendString("[")
	line.AppendString(entry.Level.CapitalString())
	line.AppendString("]\t")

	if entry.Caller.Defined {
		line.AppendString("[")
		line.AppendString(entry.Caller.TrimmedPath())
		line.AppendString("]\t")
	}

	if entry.LoggerName != "" {
		line.AppendString("[")
		line.AppendString(entry.LoggerName)
		line.AppendString("]\t")
	}

	line.AppendString(entry.Message)

	local := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(local)
	}

	written := 0
	appendField := func(key string, value interface{}) {
		if written == 0 {
			line.AppendString(" - ")
		} else {
			line.AppendString(", ")
		}

		line.AppendString(key)
		line.AppendString("=")
		line.AppendString(formatValue(value))
		written++
	}

	for _, k := range e.contextKeys() {
		if _, shadowed := local.Fields[k]; shadowed {
			continue
		}

		appendField(k, e.Fields[k])
	}

	for _, f := range fields {
		if v, ok := local.Fields[f.Key]; ok {
			appendField(f.Key, v)
			delete(local.Fields, f.Key)
		}
	}

	if entry.Stack != "" && e.cfg.StacktraceKey != "" {
		line.AppendString("\n")
		line.AppendString(entry.Stack)
	}

	if e.cfg.LineEnding != "" {
		line.AppendString(e.cfg.LineEnding)
	} else {
		line.AppendString(zapcore.DefaultLineEnding)
	}

	return line, nil
}

// contextKeys returns the With-field keys in a stable order.
func (e *PrettyConsoleEncoder) contextKeys() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}

	return fmt.Sprintf("%v", v)
}
