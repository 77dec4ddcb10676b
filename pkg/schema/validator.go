// Package schema implements structural validation of governance records.
// Schemas are declared per record kind as field rules; validation reports
// problems without judging business semantics.
package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Record kinds with registered schemas.
const (
	KindBoundary           = "boundary"
	KindCrossingRequest    = "crossing_request"
	KindVerificationRecord = "verification_record"
)

// rule is one field requirement within a schema.
type rule struct {
	field    string
	required bool
	check    func(value any) bool
	expect   string
}

// Validator validates records against per-kind field rules.
type Validator struct {
	schemas map[string][]rule
}

var _ domain.SchemaValidator = (*Validator)(nil)

// New builds a validator with the built-in governance schemas registered.
func New() *Validator {
	v := &Validator{schemas: make(map[string][]rule)}

	v.schemas[KindBoundary] = []rule{
		{field: "id", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "name", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "description", required: false, check: isString, expect: "string"},
		{field: "kind", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "classification", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "status", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "version", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "created_at", required: true, check: isTimestamp, expect: "timestamp"},
		{field: "updated_at", required: true, check: isTimestamp, expect: "timestamp"},
	}

	v.schemas[KindCrossingRequest] = []rule{
		{field: "id", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "source_boundary_id", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "target_boundary_id", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "kind", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "direction", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "status", required: true, check: nonEmptyString, expect: "non-empty string"},
	}

	v.schemas[KindVerificationRecord] = []rule{
		{field: "id", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "boundary_id", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "kind", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "status", required: true, check: nonEmptyString, expect: "non-empty string"},
		{field: "confidence", required: true, check: isUnitInterval, expect: "number within [0, 1]"},
	}

	return v
}

// ValidateRecord checks the record against the schema registered for its
// kind. Unknown kinds are a caller error, not a failed validation.
func (v *Validator) ValidateRecord(ctx context.Context, kind string, record map[string]any) (domain.ValidationReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.ValidationReport{}, err
	}

	rules, ok := v.schemas[kind]
	if !ok {
		return domain.ValidationReport{}, fmt.Errorf("%w: no schema registered for kind %q", domain.ErrValidation, kind)
	}

	var problems []string
	for _, r := range rules {
		value, present := record[r.field]
		if !present {
			if r.required {
				problems = append(problems, fmt.Sprintf("missing required field %q", r.field))
			}
			continue
		}
		if !r.check(value) {
			problems = append(problems, fmt.Sprintf("field %q must be a %s", r.field, r.expect))
		}
	}

	return domain.ValidationReport{Valid: len(problems) == 0, Problems: problems}, nil
}

func isString(value any) bool {
	_, ok := value.(string)
	return ok
}

func nonEmptyString(value any) bool {
	s, ok := value.(string)
	return ok && s != ""
}

func isTimestamp(value any) bool {
	switch t := value.(type) {
	case time.Time:
		return !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return err == nil && !parsed.IsZero()
	default:
		return false
	}
}

func isUnitInterval(value any) bool {
	switch n := value.(type) {
	case float64:
		return n >= 0 && n <= 1
	case float32:
		return n >= 0 && n <= 1
	case int:
		return n >= 0 && n <= 1
	default:
		return false
	}
}
