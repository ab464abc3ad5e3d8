// Package domain defines the core types shared by every annotation component:
// the closed set of classification domains, annotator identities, worker keys,
// units of work, validation results, and the durable record shapes.
//
// The package has no I/O. Types carry validation tags checked with
// go-playground/validator so that inputs crossing process or workflow
// boundaries can be rejected before any side effect happens.
package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Domain identifies one of the six independent classification tasks.
// The set is closed; code that dispatches on a Domain switches over the
// constants below instead of looking values up in a registry.
type Domain string

// Supported classification domains.
const (
	DomainUrgency     Domain = "urgency"
	DomainTherapeutic Domain = "therapeutic"
	DomainIntensity   Domain = "intensity"
	DomainAdjunct     Domain = "adjunct"
	DomainModality    Domain = "modality"
	DomainRedressal   Domain = "redressal"
)

// LabelKind describes the shape of a domain's label space.
type LabelKind string

// Label kinds.
const (
	// KindSingle domains produce exactly one code.
	KindSingle LabelKind = "single"
	// KindMulti domains produce one or more de-duplicated codes.
	KindMulti LabelKind = "multi"
	// KindStructured domains produce a JSON document.
	KindStructured LabelKind = "structured"
)

// AllDomains returns the domains in their canonical processing order.
func AllDomains() []Domain {
	return []Domain{
		DomainUrgency,
		DomainTherapeutic,
		DomainIntensity,
		DomainAdjunct,
		DomainModality,
		DomainRedressal,
	}
}

// Valid reports whether d is one of the supported domains.
func (d Domain) Valid() bool {
	switch d {
	case DomainUrgency, DomainTherapeutic, DomainIntensity,
		DomainAdjunct, DomainModality, DomainRedressal:
		return true
	default:
		return false
	}
}

// Kind returns the label shape for d. Unknown domains report KindSingle.
func (d Domain) Kind() LabelKind {
	switch d {
	case DomainTherapeutic, DomainAdjunct, DomainModality:
		return KindMulti
	case DomainRedressal:
		return KindStructured
	default:
		return KindSingle
	}
}

// String implements fmt.Stringer.
func (d Domain) String() string { return string(d) }

// ParseDomain converts user input into a Domain. Matching is
// case-insensitive and ignores surrounding whitespace.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, s)
	}
	return d, nil
}

// Annotator ID bounds.
const (
	MinAnnotatorID = 1
	MaxAnnotatorID = 5
)

// AnnotatorID identifies a logical annotator. Each annotator owns one API
// credential and one rate budget shared by all of its domain workers.
type AnnotatorID int

// Valid reports whether the ID falls inside the configured range.
func (a AnnotatorID) Valid() bool {
	return a >= MinAnnotatorID && a <= MaxAnnotatorID
}

// String implements fmt.Stringer.
func (a AnnotatorID) String() string { return strconv.Itoa(int(a)) }

// ParseAnnotatorID parses a decimal annotator ID and checks its range.
func ParseAnnotatorID(s string) (AnnotatorID, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAnnotator, s)
	}
	id := AnnotatorID(n)
	if !id.Valid() {
		return 0, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidAnnotator, n, MinAnnotatorID, MaxAnnotatorID)
	}
	return id, nil
}

// AllAnnotators returns every valid annotator ID in ascending order.
func AllAnnotators() []AnnotatorID {
	ids := make([]AnnotatorID, 0, MaxAnnotatorID-MinAnnotatorID+1)
	for i := MinAnnotatorID; i <= MaxAnnotatorID; i++ {
		ids = append(ids, AnnotatorID(i))
	}
	return ids
}

// WorkerKey names one (annotator, domain) pair. Exactly one worker processes
// a given key at a time, and every per-worker resource (queue, durable file,
// completion set) is addressed by it.
type WorkerKey struct {
	AnnotatorID AnnotatorID `json:"annotator_id" yaml:"annotator_id" validate:"min=1,max=5"`
	Domain      Domain      `json:"domain"       yaml:"domain"       validate:"required,domain"`
}

// NewWorkerKey builds a key and validates both halves.
func NewWorkerKey(annotator AnnotatorID, d Domain) (WorkerKey, error) {
	k := WorkerKey{AnnotatorID: annotator, Domain: d}
	if err := k.Validate(); err != nil {
		return WorkerKey{}, err
	}
	return k, nil
}

// Validate checks that the key refers to a real annotator and domain.
func (k WorkerKey) Validate() error {
	if !k.AnnotatorID.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidAnnotator, k.AnnotatorID)
	}
	if !k.Domain.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, k.Domain)
	}
	return nil
}

// String renders the key as "<annotator>_<domain>", e.g. "1_urgency".
func (k WorkerKey) String() string {
	return fmt.Sprintf("%d_%s", k.AnnotatorID, k.Domain)
}

// QueueName returns the task queue name for the worker, e.g.
// "annotator_1_urgency".
func (k WorkerKey) QueueName() string {
	return "annotator_" + k.String()
}

// ParseWorkerKey parses the "<annotator>_<domain>" form produced by String.
// The "annotator_" queue prefix is accepted as well.
func ParseWorkerKey(s string) (WorkerKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "annotator_")
	idPart, domainPart, ok := strings.Cut(s, "_")
	if !ok {
		return WorkerKey{}, fmt.Errorf("%w: malformed worker key %q", ErrInvalidWorkerKey, s)
	}
	id, err := ParseAnnotatorID(idPart)
	if err != nil {
		return WorkerKey{}, err
	}
	d, err := ParseDomain(domainPart)
	if err != nil {
		return WorkerKey{}, err
	}
	return WorkerKey{AnnotatorID: id, Domain: d}, nil
}

// AllWorkerKeys returns the cross product of annotators and domains,
// annotator-major. Nil slices default to the full ranges.
func AllWorkerKeys(annotators []AnnotatorID, domains []Domain) []WorkerKey {
	if annotators == nil {
		annotators = AllAnnotators()
	}
	if domains == nil {
		domains = AllDomains()
	}
	keys := make([]WorkerKey, 0, len(annotators)*len(domains))
	for _, a := range annotators {
		for _, d := range domains {
			keys = append(keys, WorkerKey{AnnotatorID: a, Domain: d})
		}
	}
	return keys
}
