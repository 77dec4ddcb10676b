package authz

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"
	"sync"
	"time"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the default decision path (e.g. "perimetra/crossing/decision").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

// Engine evaluates crossing decisions using an embedded OPA SDK instance.
type Engine struct {
	modules       map[string]string
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *decisionCache
	queries       map[string]*rego.PreparedEvalQuery
	mu            sync.RWMutex
}

const defaultCacheCapacity = 1024

// NewEngine constructs an Engine for the supplied modules and entrypoint.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = DefaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("authorization engine requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	moduleCopy := make(map[string]string, len(opts.Modules))
	moduleOrder := make([]string, 0, len(opts.Modules))
	for name, src := range opts.Modules {
		moduleCopy[name] = src
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(moduleCopy))
	for _, name := range moduleOrder {
		src := moduleCopy[name]
		module, err := ast.ParseModuleWithOpts(name, src, ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &Engine{
		modules:       moduleCopy,
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		cache:         cache,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	// Warm the default entrypoint to surface compile errors early.
	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return engine, nil
}

// Evaluate executes policy for one crossing request against its target
// boundary. An undefined decision denies: Rego must grant a crossing
// explicitly for it to pass.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if input.Request == nil || input.Boundary == nil {
		return Decision{}, fmt.Errorf("%w: policy evaluation requires a request and its target boundary", domain.ErrValidation)
	}

	entry := strings.TrimSpace(input.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	cacheKey, shouldCache := e.cacheKey(entry, input)
	if shouldCache {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cloneDecision(cached), nil
		}
	}

	prepared, err := e.getPreparedQuery(ctx, entry)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	payload := map[string]any{
		"request":  requestToMap(input.Request),
		"boundary": boundaryToMap(input.Boundary),
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Reason: "policy produced no decision", Metadata: map[string]string{}}, nil
	}

	decisionPayload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	allow, err := parseAllow(decisionPayload["allow"])
	if err != nil {
		return Decision{}, err
	}

	reason, _ := decisionPayload["reason"].(string)
	metadata := parseMetadata(decisionPayload["metadata"])

	decision := Decision{Allow: allow, Reason: reason, Metadata: metadata}

	if shouldCache {
		// Cache a copy so the caller's mutations never reach cached state.
		e.cache.Add(cacheKey, cloneDecision(decision))
	}

	return decision, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Close releases underlying OPA resources.
func (e *Engine) Close(_ context.Context) error {
	return nil
}

func (e *Engine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	queryKey := entry

	e.mu.RLock()
	if prepared, ok := e.queries[queryKey]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		module := e.parsedModules[name]
		opts = append(opts, rego.ParsedModule(module))
	}

	r := rego.New(opts...)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[queryKey]; ok {
		return existing, nil
	}

	e.queries[queryKey] = &prepared
	return &prepared, nil
}

func requestToMap(request *domain.CrossingRequest) map[string]any {
	return map[string]any{
		"id":                 request.ID,
		"source_boundary_id": request.SourceBoundaryID,
		"target_boundary_id": request.TargetBoundaryID,
		"kind":               string(request.Kind),
		"direction":          string(request.Direction),
		"requester_id":       request.RequesterID,
		"classification":     string(request.Payload.Classification),
		"status":             string(request.Status),
	}
}

func boundaryToMap(boundary *domain.Boundary) map[string]any {
	return map[string]any{
		"id":             boundary.ID,
		"name":           boundary.Name,
		"kind":           string(boundary.Kind),
		"classification": string(boundary.Classification),
		"status":         string(boundary.Status),
		"version":        boundary.Version,
		"control_kinds":  controlKinds(boundary),
	}
}

func controlKinds(boundary *domain.Boundary) []string {
	kinds := make([]string, 0, len(boundary.Controls))
	for _, ctl := range boundary.Controls {
		kinds = append(kinds, string(ctl.Kind))
	}
	sort.Strings(kinds)
	return kinds
}

// cacheKey generates a deterministic hash key for caching policy decisions.
// The key covers the request fields the built-in policy branches on plus the
// boundary version and revision stamp, so a cached decision dies with the
// boundary definition it was evaluated against. Policies keyed on fields
// outside this set should be evaluated with DisableCache.
func (e *Engine) cacheKey(entry string, input Input) (string, bool) {
	if !e.shouldCache(input) {
		return "", false
	}

	components, ok := e.extractCacheKeyComponents(input)
	if !ok {
		return "", false
	}

	hash := e.buildCacheKeyHash(entry, components)
	return hex.EncodeToString(hash), true
}

// shouldCache determines if the input is eligible for caching.
func (e *Engine) shouldCache(input Input) bool {
	return e.cache != nil && !input.DisableCache
}

// cacheKeyComponents holds the normalized fields required for cache key generation.
type cacheKeyComponents struct {
	requester       string
	source          string
	target          string
	kind            string
	direction       string
	classification  string
	status          string
	boundaryStatus  string
	boundaryVersion string
	boundaryStamp   string
	controlKinds    []string
}

// extractCacheKeyComponents validates and extracts required fields from the input.
func (e *Engine) extractCacheKeyComponents(input Input) (cacheKeyComponents, bool) {
	components := cacheKeyComponents{
		requester:       strings.TrimSpace(input.Request.RequesterID),
		source:          strings.TrimSpace(input.Request.SourceBoundaryID),
		target:          strings.TrimSpace(input.Request.TargetBoundaryID),
		kind:            string(input.Request.Kind),
		direction:       string(input.Request.Direction),
		classification:  string(input.Request.Payload.Classification),
		status:          string(input.Request.Status),
		boundaryStatus:  string(input.Boundary.Status),
		boundaryVersion: strings.TrimSpace(input.Boundary.Version),
	}

	if components.requester == "" || components.target == "" {
		return cacheKeyComponents{}, false
	}

	if components.boundaryVersion == "" || input.Boundary.UpdatedAt.IsZero() {
		return cacheKeyComponents{}, false
	}

	components.boundaryStamp = input.Boundary.UpdatedAt.UTC().Format(time.RFC3339Nano)
	components.controlKinds = normalizeStringSlice(controlKinds(input.Boundary))

	return components, true
}

// buildCacheKeyHash constructs a SHA-256 hash from the entry point and cache key components.
func (e *Engine) buildCacheKeyHash(entry string, components cacheKeyComponents) []byte {
	h := sha256.New()

	writeCacheKeyField(h, entry)
	writeCacheKeyField(h, components.requester)
	writeCacheKeyField(h, components.source)
	writeCacheKeyField(h, components.target)
	writeCacheKeyField(h, components.kind)
	writeCacheKeyField(h, components.direction)
	writeCacheKeyField(h, components.classification)
	writeCacheKeyField(h, components.status)
	writeCacheKeyField(h, components.boundaryStatus)
	writeCacheKeyField(h, components.boundaryVersion)
	writeCacheKeyField(h, components.boundaryStamp)
	writeCacheKeyField(h, strings.Join(components.controlKinds, ","))

	return h.Sum(nil)
}

// writeCacheKeyField writes a field to the hash followed by a null delimiter.
// The trailing null byte provides field separation and doesn't affect hash security.
func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

// normalizeStringSlice creates a sorted copy of the input slice for consistent hashing.
func normalizeStringSlice(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	normalized := append([]string(nil), input...)
	sort.Strings(normalized)
	return normalized
}

func cloneDecision(dec Decision) Decision {
	return Decision{
		Allow:    dec.Allow,
		Reason:   dec.Reason,
		Metadata: cloneStringMap(dec.Metadata),
	}
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	item := elem.Value.(cacheItem)
	return item.value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		item := tail.Value.(cacheItem)
		delete(c.entries, item.key)
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}

func parseAllow(value any) (bool, error) {
	switch typed := value.(type) {
	case nil:
		return false, nil
	case bool:
		return typed, nil
	default:
		return false, fmt.Errorf("opa decision: allow must be boolean, got %T", value)
	}
}

func parseMetadata(value any) map[string]string {
	if value == nil {
		return map[string]string{}
	}

	switch typed := value.(type) {
	case map[string]string:
		return cloneStringMap(typed)
	case map[string]any:
		result := make(map[string]string, len(typed))
		for key, raw := range typed {
			if str, ok := raw.(string); ok {
				result[key] = str
			}
		}
		return result
	default:
		return map[string]string{}
	}
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
