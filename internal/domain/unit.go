package domain

import (
	"fmt"
	"strings"
)

// UnitOfWork is one (annotator, domain, sample) triple requiring exactly one
// classification call. Units are never deleted, only marked complete.
type UnitOfWork struct {
	AnnotatorID AnnotatorID `json:"annotator_id" validate:"min=1,max=5"`
	Domain      Domain      `json:"domain"       validate:"required,domain"`
	SampleID    string      `json:"sample_id"    validate:"required"`
	Text        string      `json:"text"`
}

// Key returns the worker key that owns the unit.
func (u UnitOfWork) Key() WorkerKey {
	return WorkerKey{AnnotatorID: u.AnnotatorID, Domain: u.Domain}
}

// Validate checks the unit's identity fields. Text may be empty; the model
// still receives a prompt and the outcome is recorded like any other.
func (u UnitOfWork) Validate() error {
	if strings.TrimSpace(u.SampleID) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidUnit, ErrInvalidSampleID)
	}
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUnit, err)
	}
	return nil
}

// String renders the unit for logs.
func (u UnitOfWork) String() string {
	return fmt.Sprintf("%s/%s", u.Key(), u.SampleID)
}

// Sample is one entry of the source dataset.
type Sample struct {
	SampleID string            `json:"sample_id" validate:"required"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy of s that shares no maps with the original.
func (s Sample) Clone() Sample {
	s.Metadata = cloneStringMap(s.Metadata)
	return s
}

// Unit turns the sample into a unit of work for the given worker.
func (s Sample) Unit(k WorkerKey) UnitOfWork {
	return UnitOfWork{
		AnnotatorID: k.AnnotatorID,
		Domain:      k.Domain,
		SampleID:    s.SampleID,
		Text:        s.Text,
	}
}
