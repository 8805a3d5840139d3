// Package validation checks inbound near-update requests before they
// reach the entry store, rejecting malformed input early rather than
// letting it corrupt an entry or blow up a wire frame. Grounded on
// storage-node/internal/validation/validator.go's size-limit-plus-
// forbidden-character checks, narrowed to this pipeline's key/value
// shape (no tenant id, no vector clock) and widened with a per-request
// key-count limit since a NearUpdateRequest carries a whole batch.
package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/cachegrid/internal/errors"
	"github.com/devrev/pairdb/cachegrid/internal/model"
)

const (
	MaxKeySize      = 1024
	MaxValueSize    = 10 * 1024 * 1024
	MaxKeysPerBatch = 10000
)

// Validator checks size and character constraints on keys, values and
// whole-batch request shape.
type Validator struct {
	maxKeySize      int
	maxValueSize    int
	maxKeysPerBatch int
}

// NewValidator creates a validator with the default limits.
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:      MaxKeySize,
		maxValueSize:    MaxValueSize,
		maxKeysPerBatch: MaxKeysPerBatch,
	}
}

// NewValidatorWithLimits creates a validator with custom limits.
func NewValidatorWithLimits(maxKeySize, maxValueSize, maxKeysPerBatch int) *Validator {
	return &Validator{
		maxKeySize:      maxKeySize,
		maxValueSize:    maxValueSize,
		maxKeysPerBatch: maxKeysPerBatch,
	}
}

// ValidateBatch checks an entire key/value batch as it would arrive on
// a NearUpdateRequest: key count, then each key and its value.
func (v *Validator) ValidateBatch(keys []model.Key, values [][]byte) error {
	if len(keys) == 0 {
		return errors.New(errors.Rejected, "request carries no keys", nil)
	}
	if len(keys) > v.maxKeysPerBatch {
		return errors.New(errors.Rejected,
			fmt.Sprintf("batch has too many keys: %d > %d", len(keys), v.maxKeysPerBatch), nil)
	}
	if values != nil && len(values) != len(keys) {
		return errors.New(errors.Rejected,
			fmt.Sprintf("value count %d does not match key count %d", len(values), len(keys)), nil)
	}

	for i, k := range keys {
		if err := v.ValidateKey(k); err != nil {
			return err
		}
		if values != nil {
			if err := v.ValidateValue(values[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateKey checks key is non-empty, within size, free of null bytes,
// and free of control characters other than tab and newline.
func (v *Validator) ValidateKey(key model.Key) error {
	s := string(key)
	if s == "" {
		return errors.New(errors.Rejected, "key cannot be empty", nil)
	}
	if len(s) > v.maxKeySize {
		return errors.New(errors.Rejected,
			fmt.Sprintf("key exceeds maximum size of %d bytes", v.maxKeySize), nil).
			WithDetail("key_size", len(s))
	}
	if strings.Contains(s, "\x00") {
		return errors.New(errors.Rejected, "key cannot contain null bytes", nil)
	}
	for _, r := range s {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return errors.New(errors.Rejected, "key cannot contain control characters", nil)
		}
	}
	return nil
}

// ValidateValue checks value is within size. nil/empty is valid — it is
// how a delete/tombstone is represented.
func (v *Validator) ValidateValue(value []byte) error {
	if value == nil {
		return nil
	}
	if len(value) > v.maxValueSize {
		return errors.New(errors.Rejected,
			fmt.Sprintf("value exceeds maximum size of %d bytes", v.maxValueSize), nil).
			WithDetail("value_size", len(value))
	}
	return nil
}
