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

// Package conflict decides how a local mutation and a newer server version of
// the same entity are reconciled. Resolve is a pure function: no I/O, no clock,
// no store access, and identical inputs always give identical resolutions.
package conflict

import (
	"fmt"
	"time"
)

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	ServerWins    Strategy = "serverWins"
	ClientWins    Strategy = "clientWins"
	LastWriteWins Strategy = "lastWriteWins"
	Merge         Strategy = "merge"
	Manual        Strategy = "manual"
)

// ParseStrategy maps a configured strategy name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case ServerWins, ClientWins, LastWriteWins, Merge, Manual:
		return s, nil
	}

	return "", fmt.Errorf("unknown conflict strategy %q", name)
}

// Kind is the outcome of a resolution.
type Kind string

const (
	KindUseServer Kind = "useServer"
	KindUseClient Kind = "useClient"
	KindMerged    Kind = "merged"
	KindManual    Kind = "requiresManualResolution"
)

// Input is everything the resolver looks at.
type Input struct {
	LocalPayload    []byte
	ServerPayload   []byte
	LocalTimestamp  time.Time
	ServerTimestamp *time.Time
}

// Resolution is the decision for one conflict. Payload is what the entity
// should become; for KindManual it is empty and Local and Server carry both sides.
type Resolution struct {
	Kind    Kind
	Payload []byte
	Local   []byte
	Server  []byte
}

// MergeFunc combines the server and local payloads for the Merge strategy.
type MergeFunc func(local, server []byte) ([]byte, error)

// UseServer resolves to the server payload.
func UseServer(payload []byte) Resolution {
	return Resolution{Kind: KindUseServer, Payload: payload}
}

// UseClient resolves to the local payload.
func UseClient(payload []byte) Resolution {
	return Resolution{Kind: KindUseClient, Payload: payload}
}

// Merged resolves to a combination of both payloads.
func Merged(payload []byte) Resolution {
	return Resolution{Kind: KindMerged, Payload: payload}
}

// RequiresManualResolution hands both sides to the user.
func RequiresManualResolution(local, server []byte) Resolution {
	return Resolution{Kind: KindManual, Local: local, Server: server}
}

// Description is the human readable outcome for logs and the UI.
func (r Resolution) Description() string {
	switch r.Kind {
	case KindUseServer:
		return "Using server version"
	case KindUseClient:
		return "Using local version"
	case KindMerged:
		return "Using merged version"
	case KindManual:
		return "Requires manual resolution"
	}

	return "Unknown resolution"
}

func (r Resolution) String() string {
	return r.Description()
}

// Resolver applies one strategy. The zero value resolves every conflict in
// favor of the server.
type Resolver struct {
	Strategy Strategy
	// MergeFunc is used by the Merge strategy. Without one, or when it fails,
	// the conflict requires manual resolution.
	MergeFunc MergeFunc
}

// NewResolver creates a Resolver for strategy.
func NewResolver(strategy Strategy, merge MergeFunc) Resolver {
	return Resolver{Strategy: strategy, MergeFunc: merge}
}

// Resolve decides the conflict described by in.
func (r Resolver) Resolve(in Input) Resolution {
	return Resolve(r.Strategy, in, r.MergeFunc)
}

// Resolve decides a conflict with strategy. merge is only consulted by Merge
// and may be nil.
//
// LastWriteWins compares timestamps: the strictly later one wins, a missing
// server timestamp lets the local version win, and an exact tie goes to the server.
func Resolve(strategy Strategy, in Input, merge MergeFunc) Resolution {
	switch strategy {
	case ClientWins:
		return UseClient(in.LocalPayload)
	case LastWriteWins:
		if in.ServerTimestamp == nil || in.LocalTimestamp.After(*in.ServerTimestamp) {
			return UseClient(in.LocalPayload)
		}

		return UseServer(in.ServerPayload)
	case Merge:
		if merge == nil {
			return RequiresManualResolution(in.LocalPayload, in.ServerPayload)
		}

		merged, err := merge(in.LocalPayload, in.ServerPayload)
		if err != nil {
			return RequiresManualResolution(in.LocalPayload, in.ServerPayload)
		}

		return Merged(merged)
	case Manual:
		return RequiresManualResolution(in.LocalPayload, in.ServerPayload)
	default:
		return UseServer(in.ServerPayload)
	}
}
