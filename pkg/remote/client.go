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

package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/field-companion/pkg/backoff"
	"github.com/united-manufacturing-hub/field-companion/pkg/constants"
	"github.com/united-manufacturing-hub/field-companion/pkg/logger"
	"github.com/united-manufacturing-hub/field-companion/pkg/metrics"
)

const (
	// VersionHeader carries an explicit entity version next to the ETag.
	VersionHeader = "X-Resource-Version"

	descriptorsPath = "/shell-descriptors"
	maxBodySize     = 32 << 20
	defaultPageSize = 100
)

var defaultEntityPaths = map[string]string{
	"shell":              "shells",
	"submodel":           "submodels",
	"conceptDescription": "concept-descriptions",
	"shellDescriptor":    "shell-descriptors",
}

// Response is what a ConflictDetector inspects.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ConflictDetector reports whether a mutation response is a version conflict.
type ConflictDetector func(r *Response) bool

// DefaultConflictDetector treats 412 Precondition Failed and 409 Conflict as version conflicts.
func DefaultConflictDetector(r *Response) bool {
	return r.StatusCode == http.StatusPreconditionFailed || r.StatusCode == http.StatusConflict
}

// HTTPClient talks to an AAS repository over its REST API. Identifiers in
// paths are base64url encoded without padding.
type HTTPClient struct {
	baseURL     string
	token       string
	client      *http.Client
	detector    ConflictDetector
	retry       backoff.Policy
	clock       clockwork.Clock
	entityPaths map[string]string
	pageSize    int
	log         *zap.SugaredLogger
}

var _ Repository = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithAuthToken sends token as a bearer token on every request.
func WithAuthToken(token string) Option {
	return func(c *HTTPClient) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) { c.client = client }
}

// WithConflictDetector replaces DefaultConflictDetector.
func WithConflictDetector(detector ConflictDetector) Option {
	return func(c *HTTPClient) { c.detector = detector }
}

// WithRetryPolicy sets the retry policy of read requests.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(c *HTTPClient) { c.retry = p }
}

// WithClock sets the clock used for retry bookkeeping.
func WithClock(clock clockwork.Clock) Option {
	return func(c *HTTPClient) { c.clock = clock }
}

// WithEntityPath maps an entity kind to its collection path, e.g. "submodel" to "submodels".
func WithEntityPath(entityKind, path string) Option {
	return func(c *HTTPClient) { c.entityPaths[entityKind] = strings.Trim(path, "/") }
}

// WithPageSize sets the page size requested from listings.
func WithPageSize(n int) Option {
	return func(c *HTTPClient) { c.pageSize = n }
}

// NewHTTPClient creates a client for the repository at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote base URL %q", baseURL)
	}

	if timeout <= 0 {
		timeout = constants.DefaultRemoteTimeout
	}

	c := &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   newHTTPClient(timeout),
		detector: DefaultConflictDetector,
		retry: backoff.Policy{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			MaxElapsedTime:  constants.DefaultRemoteMaxElapsed,
		},
		clock:       clockwork.NewRealClock(),
		entityPaths: make(map[string]string, len(defaultEntityPaths)),
		pageSize:    defaultPageSize,
		log:         logger.For(logger.ComponentRemote),
	}

	for kind, path := range defaultEntityPaths {
		c.entityPaths[kind] = path
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// newHTTPClient disables HTTP/2, which some repository gateways handle badly
// on long-lived mobile connections.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
		Proxy:             http.ProxyFromEnvironment,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// EncodeID encodes an identifier for use in a path segment.
func EncodeID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func (c *HTTPClient) collection(entityKind string) string {
	if path, ok := c.entityPaths[entityKind]; ok {
		return path
	}

	return entityKind + "s"
}

func (c *HTTPClient) entityPath(entityKind, entityID string) string {
	return "/" + c.collection(entityKind) + "/" + EncodeID(entityID)
}

// ListDescriptors returns one page of shell descriptors.
func (c *HTTPClient) ListDescriptors(ctx context.Context, cursor string) (Page, error) {
	return c.listDescriptors(ctx, url.Values{}, cursor)
}

// SearchDescriptors returns one page of shell descriptors matching query.
func (c *HTTPClient) SearchDescriptors(ctx context.Context, query, cursor string) (Page, error) {
	return c.listDescriptors(ctx, url.Values{"query": []string{query}}, cursor)
}

func (c *HTTPClient) listDescriptors(ctx context.Context, q url.Values, cursor string) (Page, error) {
	q.Set("limit", strconv.Itoa(c.pageSize))

	if cursor != "" {
		q.Set("cursor", cursor)
	}

	resp, err := c.get(ctx, descriptorsPath, q)
	if err != nil {
		return Page{}, err
	}

	var envelope struct {
		Result         []json.RawMessage `json:"result"`
		PagingMetadata struct {
			Cursor string `json:"cursor"`
		} `json:"paging_metadata"`
	}

	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return Page{}, backoff.NewPermanentError(fmt.Errorf("failed to decode descriptor page: %w", err))
	}

	page := Page{
		Items:      make([]Descriptor, 0, len(envelope.Result)),
		NextCursor: envelope.PagingMetadata.Cursor,
	}

	for _, raw := range envelope.Result {
		d, err := decodeDescriptor(raw)
		if err != nil {
			return Page{}, err
		}

		page.Items = append(page.Items, d)
	}

	return page, nil
}

// GetDescriptor returns the shell descriptor with the given id.
func (c *HTTPClient) GetDescriptor(ctx context.Context, id string) (Descriptor, error) {
	resp, err := c.get(ctx, descriptorsPath+"/"+EncodeID(id), nil)
	if err != nil {
		return Descriptor{}, err
	}

	return decodeDescriptor(resp.Body)
}

func decodeDescriptor(raw []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, backoff.NewPermanentError(fmt.Errorf("failed to decode descriptor: %w", err))
	}

	if d.ID == "" {
		return Descriptor{}, backoff.NewPermanentError(errors.New("descriptor without id"))
	}

	d.Raw = append([]byte(nil), raw...)

	return d, nil
}

// Fetch returns the server's current copy of an entity.
func (c *HTTPClient) Fetch(ctx context.Context, entityKind, entityID string) (ServerVersion, error) {
	resp, err := c.get(ctx, c.entityPath(entityKind, entityID), nil)
	if err != nil {
		return ServerVersion{}, err
	}

	if sv := resp.serverVersion(); sv != nil {
		return *sv, nil
	}

	return ServerVersion{}, nil
}

// Create posts a new entity. A forced create is sent as a PUT to the entity
// path so it replaces an entity that already exists.
func (c *HTTPClient) Create(ctx context.Context, m Mutation) (Outcome, error) {
	if m.Force {
		return c.mutate(ctx, http.MethodPut, c.entityPath(m.EntityKind, m.EntityID), m, m.Payload)
	}

	return c.mutate(ctx, http.MethodPost, "/"+c.collection(m.EntityKind), m, m.Payload)
}

// Update replaces an entity, conditional on its base version unless forced.
func (c *HTTPClient) Update(ctx context.Context, m Mutation) (Outcome, error) {
	return c.mutate(ctx, http.MethodPut, c.entityPath(m.EntityKind, m.EntityID), m, m.Payload)
}

// Delete removes an entity. Deleting an entity the server no longer has succeeds.
func (c *HTTPClient) Delete(ctx context.Context, m Mutation) (Outcome, error) {
	out, err := c.mutate(ctx, http.MethodDelete, c.entityPath(m.EntityKind, m.EntityID), m, nil)
	if errors.Is(err, ErrNotFound) {
		c.log.Debugf("Delete of %s %s: already gone on the server", m.EntityKind, m.EntityID)

		return Outcome{}, nil
	}

	return out, err
}

func (c *HTTPClient) mutate(ctx context.Context, method, path string, m Mutation, body []byte) (Outcome, error) {
	header := make(http.Header)

	if !m.Force {
		if m.BaseETag != nil {
			header.Set("If-Match", *m.BaseETag)
		}

		if m.BaseVersion != nil {
			header.Set(VersionHeader, *m.BaseVersion)
		}
	}

	resp, err := c.do(ctx, method, path, nil, body, header)
	if err != nil {
		return Outcome{}, err
	}

	if c.detector(resp) {
		server, err := c.conflictVersion(ctx, m, resp)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to fetch server version of %s %s after conflict: %w", m.EntityKind, m.EntityID, err)
		}

		c.log.Debugf("Version conflict on %s %s (status %d)", m.EntityKind, m.EntityID, resp.StatusCode)

		return Outcome{Conflict: &VersionConflict{
			EntityKind: m.EntityKind,
			EntityID:   m.EntityID,
			Server:     server,
		}}, nil
	}

	if !resp.ok() {
		return Outcome{}, categorizeStatus(resp.statusError(method, path))
	}

	return Outcome{Server: resp.serverVersion()}, nil
}

// conflictVersion uses the conflict response body when the server sent its
// current representation along, recognized by an ETag, and fetches it
// otherwise. An entity the server deleted yields a ServerVersion without payload.
func (c *HTTPClient) conflictVersion(ctx context.Context, m Mutation, resp *Response) (ServerVersion, error) {
	if len(resp.Body) > 0 && resp.Header.Get("ETag") != "" {
		if sv := resp.serverVersion(); sv != nil {
			return *sv, nil
		}
	}

	server, err := c.Fetch(ctx, m.EntityKind, m.EntityID)
	if errors.Is(err, ErrNotFound) {
		return ServerVersion{}, nil
	}

	return server, err
}

// get performs an idempotent read, retrying transient failures.
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values) (*Response, error) {
	var resp *Response

	err := backoff.Retry(ctx, c.retry, c.clock, func() error {
		r, err := c.do(ctx, http.MethodGet, path, query, nil, nil)
		if err != nil {
			return err
		}

		if !r.ok() {
			return categorizeStatus(r.statusError(http.MethodGet, path))
		}

		resp = r

		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body []byte, header http.Header) (*Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, backoff.NewPermanentError(fmt.Errorf("failed to create request: %w", err))
	}

	for k, v := range header {
		req.Header[k] = v
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ObserveRemoteRequest(method, "error", time.Since(start))

		return nil, enhanceConnectionError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))

	metrics.ObserveRemoteRequest(method, strconv.Itoa(resp.StatusCode), time.Since(start))

	if err != nil {
		return nil, enhanceConnectionError(fmt.Errorf("failed to read response body: %w", err))
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (r *Response) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Response) statusError(method, path string) *StatusError {
	body := string(r.Body)
	if len(body) > 512 {
		body = body[:512]
	}

	return &StatusError{Method: method, Path: path, StatusCode: r.StatusCode, Body: strings.TrimSpace(body)}
}

// serverVersion extracts the entity version from the response. It returns nil
// when the response carries neither a body nor version headers.
func (r *Response) serverVersion() *ServerVersion {
	sv := &ServerVersion{}

	if len(r.Body) > 0 {
		sv.Payload = r.Body
	}

	if etag := r.Header.Get("ETag"); etag != "" {
		sv.ETag = &etag
	}

	if version := r.Header.Get(VersionHeader); version != "" {
		sv.Version = &version
	}

	if lm := r.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			sv.Timestamp = &t
		}
	}

	if sv.Payload == nil && sv.ETag == nil && sv.Version == nil && sv.Timestamp == nil {
		return nil
	}

	return sv
}
