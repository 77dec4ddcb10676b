package domain

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Classification ranks how sensitive the assets behind a boundary are.
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
	ClassificationCritical     Classification = "critical"
)

// IsValid reports whether the classification is a recognised level.
func (c Classification) IsValid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential,
		ClassificationRestricted, ClassificationCritical:
		return true
	default:
		return false
	}
}

// BoundaryKind categorises what a boundary separates.
type BoundaryKind string

const (
	BoundaryProcess    BoundaryKind = "process"
	BoundaryNetwork    BoundaryKind = "network"
	BoundaryData       BoundaryKind = "data"
	BoundaryUser       BoundaryKind = "user"
	BoundaryModule     BoundaryKind = "module"
	BoundaryGovernance BoundaryKind = "governance"
)

// IsValid reports whether the boundary kind is recognised.
func (k BoundaryKind) IsValid() bool {
	switch k {
	case BoundaryProcess, BoundaryNetwork, BoundaryData, BoundaryUser,
		BoundaryModule, BoundaryGovernance:
		return true
	default:
		return false
	}
}

// BoundaryStatus is the lifecycle state of a boundary definition.
type BoundaryStatus string

const (
	BoundaryDraft      BoundaryStatus = "draft"
	BoundaryActive     BoundaryStatus = "active"
	BoundaryDeprecated BoundaryStatus = "deprecated"
	BoundaryRetired    BoundaryStatus = "retired"
)

// IsValid reports whether the boundary status is recognised.
func (s BoundaryStatus) IsValid() bool {
	switch s {
	case BoundaryDraft, BoundaryActive, BoundaryDeprecated, BoundaryRetired:
		return true
	default:
		return false
	}
}

// ControlKind names the guard a control implements on a boundary.
type ControlKind string

const (
	ControlAuthentication ControlKind = "authentication"
	ControlAuthorization  ControlKind = "authorization"
	ControlEncryption     ControlKind = "encryption"
	ControlValidation     ControlKind = "validation"
	ControlMonitoring     ControlKind = "monitoring"
	ControlLogging        ControlKind = "logging"
	ControlFiltering      ControlKind = "filtering"
	ControlRateLimiting   ControlKind = "rate_limiting"
	ControlIsolation      ControlKind = "isolation"
)

// ControlKinds returns the ordered list of supported control kinds.
func ControlKinds() []ControlKind {
	kinds := []ControlKind{
		ControlAuthentication, ControlAuthorization, ControlEncryption,
		ControlValidation, ControlMonitoring, ControlLogging,
		ControlFiltering, ControlRateLimiting, ControlIsolation,
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// IsValid reports whether the control kind is recognised.
func (k ControlKind) IsValid() bool {
	switch k {
	case ControlAuthentication, ControlAuthorization, ControlEncryption,
		ControlValidation, ControlMonitoring, ControlLogging,
		ControlFiltering, ControlRateLimiting, ControlIsolation:
		return true
	default:
		return false
	}
}

// ParseControlKind converts a textual representation into a ControlKind.
func ParseControlKind(value string) (ControlKind, bool) {
	kind := ControlKind(strings.TrimSpace(strings.ToLower(value)))
	return kind, kind.IsValid()
}

// Control is a named, typed guard attached to a boundary. Params carry
// implementation-specific settings; a control is immutable for the duration
// of one evaluation.
type Control struct {
	ID     string         `json:"id" yaml:"id"`
	Kind   ControlKind    `json:"kind" yaml:"kind"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Seal is a cryptographic integrity stamp over a piece of content, produced
// and checked by the seal service.
type Seal struct {
	ID        string    `json:"id,omitempty" yaml:"id,omitempty"`
	Algorithm string    `json:"algorithm" yaml:"algorithm"`
	Value     string    `json:"value" yaml:"value"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Encoded renders the seal as "algorithm:value" for embedding in signature fields.
func (s Seal) Encoded() string {
	return s.Algorithm + ":" + s.Value
}

// ParseSeal splits an "algorithm:value" signature string back into a Seal.
func ParseSeal(encoded string) (Seal, bool) {
	algorithm, value, ok := strings.Cut(encoded, ":")
	if !ok || algorithm == "" || value == "" {
		return Seal{}, false
	}
	return Seal{Algorithm: algorithm, Value: value}, true
}

// Boundary is a declared trust perimeter with attached controls,
// classification, and optional cryptographic seals and attestations.
// Boundaries are owned by the registry; the core only reads them.
type Boundary struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	Classification Classification `json:"classification" yaml:"classification"`
	Kind           BoundaryKind   `json:"kind" yaml:"kind"`
	Status         BoundaryStatus `json:"status" yaml:"status"`
	Version        string         `json:"version" yaml:"version"`
	Controls       []Control      `json:"controls,omitempty" yaml:"controls,omitempty"`
	Signature      string         `json:"signature,omitempty" yaml:"signature,omitempty"`
	Seals          []Seal         `json:"seals,omitempty" yaml:"seals,omitempty"`
	Attestations   []string       `json:"attestations,omitempty" yaml:"attestations,omitempty"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"updated_at"`
}

// versionPattern matches semantic MAJOR.MINOR.PATCH version strings.
var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ValidVersion reports whether a version string is MAJOR.MINOR.PATCH.
func ValidVersion(version string) bool {
	return versionPattern.MatchString(version)
}

// Clone returns a deep copy of the boundary to avoid shared mutable state.
func (b *Boundary) Clone() *Boundary {
	if b == nil {
		return nil
	}

	clone := *b
	if b.Controls != nil {
		clone.Controls = make([]Control, len(b.Controls))
		for i, ctrl := range b.Controls {
			clone.Controls[i] = ctrl
			if ctrl.Params != nil {
				params := make(map[string]any, len(ctrl.Params))
				for k, v := range ctrl.Params {
					params[k] = v
				}
				clone.Controls[i].Params = params
			}
		}
	}
	clone.Seals = append([]Seal(nil), b.Seals...)
	clone.Attestations = append([]string(nil), b.Attestations...)
	return &clone
}

// SignableContent returns the canonical JSON encoding of the boundary with
// the signature field cleared. Self-signatures are created and verified over
// exactly these bytes, so attached seals are covered by the signature.
func (b *Boundary) SignableContent() ([]byte, error) {
	shadow := b.Clone()
	shadow.Signature = ""
	return json.Marshal(shadow)
}

// SealableContent returns the canonical JSON encoding of the boundary with
// both evidence fields (signature and attached seals) cleared. Attached
// seals are created and verified over exactly these bytes; seal first, sign
// last.
func (b *Boundary) SealableContent() ([]byte, error) {
	shadow := b.Clone()
	shadow.Signature = ""
	shadow.Seals = nil
	return json.Marshal(shadow)
}

// State flattens the boundary into the key/value form consumed by the
// mutation detector and schema validator.
func (b *Boundary) State() map[string]any {
	state := map[string]any{
		"id":             b.ID,
		"name":           b.Name,
		"description":    b.Description,
		"classification": string(b.Classification),
		"kind":           string(b.Kind),
		"status":         string(b.Status),
		"version":        b.Version,
		"control_count":  len(b.Controls),
		"created_at":     b.CreatedAt,
		"updated_at":     b.UpdatedAt,
	}
	if b.Signature != "" {
		state["signature"] = b.Signature
	}
	return state
}
