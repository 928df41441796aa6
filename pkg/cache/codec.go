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

package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/united-manufacturing-hub/field-companion/pkg/models"
	"github.com/united-manufacturing-hub/field-companion/pkg/persistence"
)

const (
	encodingZstd = "zstd"

	// DefaultCompressionThreshold is the payload size above which payloads are stored compressed.
	DefaultCompressionThreshold = 4 << 10
)

// storedEntry is the on-disk shape of a CachedEntry. ExpiresAtKey mirrors
// ExpiresAt as a sortable string so expiry can be filtered in queries.
type storedEntry struct {
	models.CachedEntry

	Encoding     string `json:"encoding,omitempty"`
	ExpiresAtKey string `json:"expiresAtKey,omitempty"`
}

type payloadCodec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

func newPayloadCodec(threshold int) (*payloadCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &payloadCodec{encoder: encoder, decoder: decoder, threshold: threshold}, nil
}

func (c *payloadCodec) toDocument(e *models.CachedEntry) (persistence.Document, error) {
	stored := storedEntry{CachedEntry: *e}

	if c.threshold > 0 && len(e.Payload) > c.threshold {
		stored.Payload = c.encoder.EncodeAll(e.Payload, make([]byte, 0, len(e.Payload)/2))
		stored.Encoding = encodingZstd
	}

	if e.ExpiresAt != nil {
		stored.ExpiresAtKey = persistence.TimeKey(*e.ExpiresAt)
	}

	return persistence.ToDocument(stored)
}

func (c *payloadCodec) fromDocument(doc persistence.Document) (*models.CachedEntry, error) {
	var stored storedEntry
	if err := persistence.FromDocument(doc, &stored); err != nil {
		return nil, err
	}

	switch stored.Encoding {
	case "":
	case encodingZstd:
		payload, err := c.decoder.DecodeAll(stored.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload of %s: %w", stored.ID, err)
		}

		stored.Payload = payload
	default:
		return nil, fmt.Errorf("unknown payload encoding %q for %s", stored.Encoding, stored.ID)
	}

	entry := stored.CachedEntry

	return &entry, nil
}

func (c *payloadCodec) close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

func cloneEntry(e *models.CachedEntry) *models.CachedEntry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)

	return &c
}
