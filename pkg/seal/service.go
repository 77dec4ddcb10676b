// Package seal implements the local tamper-evidence service: HMAC-SHA256
// seals and detached signatures over byte content, plus the integrity
// contract tether consulted before every mutating governance operation.
package seal

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Algorithm is the only seal algorithm this service produces.
const Algorithm = "hmac-sha256"

// KeySize is the generated key size in bytes (256 bits).
const KeySize = 32

// contract is the sealed permission of one component to mutate governance
// state. The record count is monotone for append-only components; a shrink
// breaks the tether.
type contract struct {
	component string
	issuedAt  time.Time
	seal      domain.Seal

	lastOperation string
	lastCount     int
}

// Service is a local domain.SealService keyed by a single HMAC secret.
type Service struct {
	key []byte

	mu        sync.Mutex
	contracts map[string]*contract
}

var _ domain.SealService = (*Service)(nil)

// New builds a seal service around the given key. An empty key generates an
// ephemeral random one, suitable for tests and single-process runs only.
func New(key []byte) (*Service, error) {
	if len(key) == 0 {
		key = make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate seal key: %w", err)
		}
	}
	return &Service{
		key:       append([]byte(nil), key...),
		contracts: make(map[string]*contract),
	}, nil
}

// CreateSeal seals the content with the service key.
func (s *Service) CreateSeal(ctx context.Context, content []byte) (domain.Seal, error) {
	if err := ctx.Err(); err != nil {
		return domain.Seal{}, err
	}
	return domain.Seal{
		ID:        uuid.NewString(),
		Algorithm: Algorithm,
		Value:     s.sum(content),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// VerifySeal reports whether the seal matches the content. A mismatch is
// (false, nil); only malformed seals produce an error.
func (s *Service) VerifySeal(ctx context.Context, seal domain.Seal, content []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if seal.Algorithm != Algorithm {
		return false, fmt.Errorf("unsupported seal algorithm %q", seal.Algorithm)
	}
	if seal.Value == "" {
		return false, fmt.Errorf("seal carries no value")
	}
	return hmac.Equal([]byte(seal.Value), []byte(s.sum(content))), nil
}

// Sign produces a detached alg:value signature over the content.
func (s *Service) Sign(ctx context.Context, content []byte) (string, error) {
	sealed, err := s.CreateSeal(ctx, content)
	if err != nil {
		return "", err
	}
	return sealed.Encoded(), nil
}

// VerifySignature reports whether a detached signature matches the content.
func (s *Service) VerifySignature(ctx context.Context, signature string, content []byte) (bool, error) {
	parsed, ok := domain.ParseSeal(signature)
	if !ok {
		return false, fmt.Errorf("malformed signature %q", signature)
	}
	return s.VerifySeal(ctx, parsed, content)
}

// VerifyContractTether checks that the component still holds an intact
// mutation contract and that its observable state is consistent with an
// append-only history. The first call for a component issues its contract;
// later calls re-verify the contract seal and reject record-count shrinkage.
func (s *Service) VerifyContractTether(ctx context.Context, component, operation string, snapshot domain.StateSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if component == "" || operation == "" {
		return fmt.Errorf("%w: component and operation are required", domain.ErrContractTether)
	}
	if snapshot.RecordCount < 0 {
		return fmt.Errorf("%w: negative record count for %s", domain.ErrContractTether, component)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tether, ok := s.contracts[component]
	if !ok {
		issued := time.Now().UTC()
		sealed, err := s.CreateSeal(ctx, contractContent(component, issued))
		if err != nil {
			return fmt.Errorf("%w: issuing contract for %s: %v", domain.ErrContractTether, component, err)
		}
		tether = &contract{component: component, issuedAt: issued, seal: sealed}
		s.contracts[component] = tether
	}

	intact, err := s.VerifySeal(ctx, tether.seal, contractContent(tether.component, tether.issuedAt))
	if err != nil {
		return fmt.Errorf("%w: contract seal for %s: %v", domain.ErrContractTether, component, err)
	}
	if !intact {
		return fmt.Errorf("%w: contract seal mismatch for %s", domain.ErrContractTether, component)
	}
	if snapshot.RecordCount < tether.lastCount {
		return fmt.Errorf("%w: %s record count shrank from %d to %d before %s",
			domain.ErrContractTether, component, tether.lastCount, snapshot.RecordCount, operation)
	}

	tether.lastOperation = operation
	tether.lastCount = snapshot.RecordCount
	return nil
}

// RevokeContract drops a component's contract so its next mutation is
// refused until a fresh contract is issued. Intended for incident response
// and tests.
func (s *Service) RevokeContract(component string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tether, ok := s.contracts[component]; ok {
		// Poison rather than delete: a first-use reissue would mask the
		// revocation.
		tether.seal.Value = ""
	}
}

func (s *Service) sum(content []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(content)
	return hex.EncodeToString(mac.Sum(nil))
}

func contractContent(component string, issuedAt time.Time) []byte {
	return []byte(component + "|" + issuedAt.Format(time.RFC3339Nano))
}
