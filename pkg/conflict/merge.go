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

package conflict

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrNotMergeable is returned by JSONMerge for payloads that are not JSON objects.
var ErrNotMergeable = errors.New("payload is not a JSON object")

// JSONMerge is a MergeFunc for JSON object payloads. It starts from the server
// object and overlays the top-level keys of the local object, so local edits
// win and server-only fields survive. Keys are emitted in sorted order.
func JSONMerge(local, server []byte) ([]byte, error) {
	l, err := decodeObject(local)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}

	s, err := decodeObject(server)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	for k, v := range l {
		s[k] = v
	}

	out, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}

	return out, nil
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotMergeable
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotMergeable, err)
	}

	if obj == nil {
		obj = map[string]json.RawMessage{}
	}

	return obj, nil
}
