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

package sync_test

import (
	"context"
	"sync"

	"github.com/united-manufacturing-hub/field-companion/pkg/remote"
)

// fakeRepository answers mutations with respond and fetches with fetch.
type fakeRepository struct {
	mu        sync.Mutex
	mutations []remote.Mutation
	fetches   []string

	respond func(m remote.Mutation) (remote.Outcome, error)
	fetch   func(entityKind, entityID string) (remote.ServerVersion, error)
}

var _ remote.Repository = (*fakeRepository)(nil)

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		respond: func(remote.Mutation) (remote.Outcome, error) { return remote.Outcome{}, nil },
		fetch: func(string, string) (remote.ServerVersion, error) {
			return remote.ServerVersion{}, remote.ErrNotFound
		},
	}
}

func (r *fakeRepository) mutate(m remote.Mutation) (remote.Outcome, error) {
	r.mu.Lock()
	r.mutations = append(r.mutations, m)
	respond := r.respond
	r.mu.Unlock()

	return respond(m)
}

func (r *fakeRepository) Mutations() []remote.Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]remote.Mutation(nil), r.mutations...)
}

func (r *fakeRepository) Fetches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.fetches...)
}

func (r *fakeRepository) ListDescriptors(context.Context, string) (remote.Page, error) {
	return remote.Page{}, nil
}

func (r *fakeRepository) GetDescriptor(context.Context, string) (remote.Descriptor, error) {
	return remote.Descriptor{}, remote.ErrNotFound
}

func (r *fakeRepository) SearchDescriptors(context.Context, string, string) (remote.Page, error) {
	return remote.Page{}, nil
}

func (r *fakeRepository) Create(_ context.Context, m remote.Mutation) (remote.Outcome, error) {
	return r.mutate(m)
}

func (r *fakeRepository) Update(_ context.Context, m remote.Mutation) (remote.Outcome, error) {
	return r.mutate(m)
}

func (r *fakeRepository) Delete(_ context.Context, m remote.Mutation) (remote.Outcome, error) {
	return r.mutate(m)
}

func (r *fakeRepository) Fetch(_ context.Context, entityKind, entityID string) (remote.ServerVersion, error) {
	r.mu.Lock()
	r.fetches = append(r.fetches, entityID)
	fetch := r.fetch
	r.mu.Unlock()

	return fetch(entityKind, entityID)
}
