package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// sealDocKey is the reserved key holding the document seal. Record ids may
// not collide with it.
const sealDocKey = "seal"

// FileConfig configures a file-backed store.
type FileConfig struct {
	Path string
	// TrustMedium skips seal verification when loading the file.
	TrustMedium bool
}

// encodeDocument renders the record set plus a fresh seal as one flat JSON
// object. The seal covers the canonical encoding of the records alone.
func encodeDocument(ctx context.Context, sealer domain.SealService, records map[string]json.RawMessage) ([]byte, error) {
	content, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	sealed, err := sealer.CreateSeal(ctx, content)
	if err != nil {
		return nil, err
	}
	rawSeal, err := json.Marshal(sealed)
	if err != nil {
		return nil, err
	}

	doc := make(map[string]json.RawMessage, len(records)+1)
	for id, record := range records {
		doc[id] = record
	}
	doc[sealDocKey] = rawSeal
	return json.MarshalIndent(doc, "", "  ")
}

// decodeDocument splits a document back into its record set, verifying the
// embedded seal unless the medium is trusted.
func decodeDocument(ctx context.Context, sealer domain.SealService, data []byte, trustMedium bool) (map[string]json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing store document: %w", err)
	}

	rawSeal, hasSeal := doc[sealDocKey]
	delete(doc, sealDocKey)

	if trustMedium {
		return doc, nil
	}

	if !hasSeal {
		return nil, fmt.Errorf("%w: document carries no seal", domain.ErrSealTampered)
	}
	var sealed domain.Seal
	if err := json.Unmarshal(rawSeal, &sealed); err != nil {
		return nil, fmt.Errorf("%w: malformed document seal: %v", domain.ErrSealTampered, err)
	}

	content, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	ok, err := sealer.VerifySeal(ctx, sealed, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSealTampered, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: record content does not match seal", domain.ErrSealTampered)
	}
	return doc, nil
}

// writeDocument persists the document atomically via a temp file rename.
func writeDocument(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("%w: creating store directory: %v", domain.ErrPersistence, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("%w: writing %s: %v", domain.ErrPersistence, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: replacing %s: %v", domain.ErrPersistence, path, err)
	}
	return nil
}

// FileCrossingStore is a CrossingStore persisted as one sealed JSON document.
type FileCrossingStore struct {
	cfg    FileConfig
	sealer domain.SealService

	mu       sync.RWMutex
	requests map[string]*domain.CrossingRequest
}

var _ CrossingStore = (*FileCrossingStore)(nil)

// NewFileCrossingStore opens or creates the store at cfg.Path. An existing
// document is loaded and its seal verified unless cfg.TrustMedium is set.
func NewFileCrossingStore(cfg FileConfig, sealer domain.SealService) (*FileCrossingStore, error) {
	s := &FileCrossingStore{
		cfg:      cfg,
		sealer:   sealer,
		requests: make(map[string]*domain.CrossingRequest),
	}

	// #nosec G304 -- Store path is configured at startup
	data, err := os.ReadFile(cfg.Path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", domain.ErrPersistence, cfg.Path, err)
	}

	records, err := decodeDocument(context.Background(), sealer, data, cfg.TrustMedium)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfg.Path, err)
	}
	for id, raw := range records {
		var request domain.CrossingRequest
		if err := json.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("%w: decoding request %s: %v", domain.ErrPersistence, id, err)
		}
		s.requests[id] = &request
	}
	return s, nil
}

// Append admits a new crossing request and persists the store.
func (s *FileCrossingStore) Append(ctx context.Context, request *domain.CrossingRequest) error {
	if request == nil || request.ID == "" {
		return fmt.Errorf("%w: request with id is required", domain.ErrValidation)
	}
	if request.ID == sealDocKey {
		return fmt.Errorf("%w: request id %q is reserved", domain.ErrValidation, sealDocKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := domain.StateSnapshot{Timestamp: time.Now().UTC(), RecordCount: len(s.requests)}
	if err := s.sealer.VerifyContractTether(ctx, CrossingComponent, "append", snapshot); err != nil {
		return err
	}
	if _, exists := s.requests[request.ID]; exists {
		return fmt.Errorf("%w: request %s already stored", domain.ErrInvalidState, request.ID)
	}

	return s.commitLocked(ctx, request)
}

// Update replaces an existing crossing request and persists the store.
func (s *FileCrossingStore) Update(ctx context.Context, request *domain.CrossingRequest) error {
	if request == nil || request.ID == "" {
		return fmt.Errorf("%w: request with id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := domain.StateSnapshot{Timestamp: time.Now().UTC(), RecordCount: len(s.requests)}
	if err := s.sealer.VerifyContractTether(ctx, CrossingComponent, "update", snapshot); err != nil {
		return err
	}
	existing, ok := s.requests[request.ID]
	if !ok {
		return fmt.Errorf("request %s: %w", request.ID, domain.ErrNotFound)
	}
	if len(request.AuditTrail) < len(existing.AuditTrail) {
		return fmt.Errorf("%w: audit trail of %s may not shrink", domain.ErrInvalidState, request.ID)
	}

	return s.commitLocked(ctx, request)
}

// commitLocked persists the record set including the new request, then
// applies it in memory. A failed write leaves the store unchanged.
func (s *FileCrossingStore) commitLocked(ctx context.Context, request *domain.CrossingRequest) error {
	records := make(map[string]json.RawMessage, len(s.requests)+1)
	for id, existing := range s.requests {
		raw, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("%w: encoding request %s: %v", domain.ErrPersistence, id, err)
		}
		records[id] = raw
	}
	raw, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("%w: encoding request %s: %v", domain.ErrPersistence, request.ID, err)
	}
	records[request.ID] = raw

	doc, err := encodeDocument(ctx, s.sealer, records)
	if err != nil {
		return fmt.Errorf("%w: sealing document: %v", domain.ErrPersistence, err)
	}
	if err := writeDocument(s.cfg.Path, doc); err != nil {
		return err
	}

	s.requests[request.ID] = request.Clone()
	return nil
}

// Get returns the request with the given id or ErrNotFound.
func (s *FileCrossingStore) Get(ctx context.Context, requestID string) (*domain.CrossingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	request, ok := s.requests[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, domain.ErrNotFound)
	}
	return request.Clone(), nil
}

// List returns requests matching the filter, ordered by creation time.
func (s *FileCrossingStore) List(ctx context.Context, filter CrossingFilter) ([]*domain.CrossingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*domain.CrossingRequest, 0, len(s.requests))
	for _, request := range s.requests {
		if matchesFilter(request, filter) {
			out = append(out, request.Clone())
		}
	}
	s.mu.RUnlock()

	sortCrossings(out)
	return out, nil
}

// FileVerificationStore is a VerificationStore persisted as one sealed JSON
// document.
type FileVerificationStore struct {
	cfg    FileConfig
	sealer domain.SealService

	mu      sync.RWMutex
	records map[string]*domain.VerificationRecord
}

var _ VerificationStore = (*FileVerificationStore)(nil)

// NewFileVerificationStore opens or creates the store at cfg.Path.
func NewFileVerificationStore(cfg FileConfig, sealer domain.SealService) (*FileVerificationStore, error) {
	s := &FileVerificationStore{
		cfg:     cfg,
		sealer:  sealer,
		records: make(map[string]*domain.VerificationRecord),
	}

	// #nosec G304 -- Store path is configured at startup
	data, err := os.ReadFile(cfg.Path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", domain.ErrPersistence, cfg.Path, err)
	}

	records, err := decodeDocument(context.Background(), sealer, data, cfg.TrustMedium)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfg.Path, err)
	}
	for id, raw := range records {
		var record domain.VerificationRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("%w: decoding record %s: %v", domain.ErrPersistence, id, err)
		}
		s.records[id] = &record
	}
	return s, nil
}

// Append admits a new verification record and persists the store.
func (s *FileVerificationStore) Append(ctx context.Context, record *domain.VerificationRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("%w: record with id is required", domain.ErrValidation)
	}
	if record.ID == sealDocKey {
		return fmt.Errorf("%w: record id %q is reserved", domain.ErrValidation, sealDocKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := domain.StateSnapshot{Timestamp: time.Now().UTC(), RecordCount: len(s.records)}
	if err := s.sealer.VerifyContractTether(ctx, VerificationComponent, "append", snapshot); err != nil {
		return err
	}
	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("%w: record %s already stored", domain.ErrInvalidState, record.ID)
	}

	records := make(map[string]json.RawMessage, len(s.records)+1)
	for id, existing := range s.records {
		raw, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("%w: encoding record %s: %v", domain.ErrPersistence, id, err)
		}
		records[id] = raw
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: encoding record %s: %v", domain.ErrPersistence, record.ID, err)
	}
	records[record.ID] = raw

	doc, err := encodeDocument(ctx, s.sealer, records)
	if err != nil {
		return fmt.Errorf("%w: sealing document: %v", domain.ErrPersistence, err)
	}
	if err := writeDocument(s.cfg.Path, doc); err != nil {
		return err
	}

	s.records[record.ID] = record.Clone()
	return nil
}

// Get returns the record with the given id or ErrNotFound.
func (s *FileVerificationStore) Get(ctx context.Context, recordID string) (*domain.VerificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	record, ok := s.records[recordID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, domain.ErrNotFound)
	}
	return record.Clone(), nil
}

// ListByBoundary returns the boundary's records ordered by timestamp.
func (s *FileVerificationStore) ListByBoundary(ctx context.Context, boundaryID string) ([]*domain.VerificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*domain.VerificationRecord, 0)
	for _, record := range s.records {
		if record.BoundaryID == boundaryID {
			out = append(out, record.Clone())
		}
	}
	s.mu.RUnlock()

	sortVerifications(out)
	return out, nil
}

// Latest returns the boundary's most recent record or ErrNotFound.
func (s *FileVerificationStore) Latest(ctx context.Context, boundaryID string) (*domain.VerificationRecord, error) {
	records, err := s.ListByBoundary(ctx, boundaryID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no verification records for boundary %s: %w", boundaryID, domain.ErrNotFound)
	}
	return records[len(records)-1], nil
}
