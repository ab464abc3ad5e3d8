package domain

import "errors"

// ErrInvalidDomain indicates that a domain name is not one of the supported six.
var ErrInvalidDomain = errors.New("invalid domain")

// ErrInvalidAnnotator indicates that an annotator ID is outside the allowed range.
var ErrInvalidAnnotator = errors.New("invalid annotator id")

// ErrInvalidWorkerKey indicates that a worker key string could not be parsed.
var ErrInvalidWorkerKey = errors.New("invalid worker key")

// ErrInvalidSampleID indicates an empty or otherwise unusable sample ID.
var ErrInvalidSampleID = errors.New("invalid sample id")

// ErrInvalidUnit indicates that a unit of work failed validation.
var ErrInvalidUnit = errors.New("invalid unit of work")

// ErrWorkerNotFound indicates that no registration record exists for a worker.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrValidResult indicates an attempt to build a malform record from a valid result.
var ErrValidResult = errors.New("validation result is valid")

// ErrConfirmationRequired indicates a destructive operation was invoked without confirmation.
var ErrConfirmationRequired = errors.New("explicit confirmation required")
