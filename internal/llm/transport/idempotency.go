package transport

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// CurrentCanonicalVersion defines the canonicalization format version.
// Increment when canonicalization logic changes.
const CurrentCanonicalVersion = "v1"

// CanonicalPayload is the normalized form of a request used for hashing.
// Equivalent requests must serialize identically.
type CanonicalPayload struct {
	AnnotatorID int     `json:"annotator_id"`
	Domain      string  `json:"domain"`
	SampleID    string  `json:"sample_id"`
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Version     string  `json:"version"`
}

// BuildCanonicalPayload normalizes a request for hashing.
func BuildCanonicalPayload(req *Request) CanonicalPayload {
	return CanonicalPayload{
		AnnotatorID: int(req.AnnotatorID),
		Domain:      strings.ToLower(string(req.Domain)),
		SampleID:    strings.TrimSpace(req.SampleID),
		Model:       strings.TrimSpace(req.Model),
		Prompt:      normalizeText(req.Prompt),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Version:     CurrentCanonicalVersion,
	}
}

// IdempotencyKey returns a stable 16-hex-digit key for the request.
// Field order in CanonicalPayload fixes the JSON encoding.
func IdempotencyKey(req *Request) string {
	payload := BuildCanonicalPayload(req)
	b, err := json.Marshal(payload)
	if err != nil {
		// Marshal of plain fields cannot fail; fall back to a cheaper key anyway.
		return strconv.FormatUint(xxhash.Sum64String(payload.SampleID+payload.Prompt), 16)
	}
	return formatKey(xxhash.Sum64(b))
}

func formatKey(h uint64) string {
	s := strconv.FormatUint(h, 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// normalizeText collapses runs of whitespace and trims the ends.
func normalizeText(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
