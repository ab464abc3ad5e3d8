package labeling

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ahrav/go-annotator/internal/domain"
)

// Redressal cardinality bounds.
const (
	MinRedressalPoints = 2
	MaxRedressalPoints = 10
)

// parseRedressal validates a JSON array of non-empty strings. Syntax
// failures and structural failures produce distinct messages.
func parseRedressal(content string) domain.ValidationResult {
	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return domain.Invalid(fmt.Sprintf("invalid JSON in redressal points: %v", err))
	}

	items, ok := doc.([]any)
	if !ok {
		return domain.Invalid(fmt.Sprintf("redressal points must be a JSON array, got: %s", jsonKind(doc)))
	}

	points := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return domain.Invalid("all redressal points must be strings")
		}
		points = append(points, s)
	}

	if len(points) < MinRedressalPoints {
		return domain.Invalid(fmt.Sprintf("redressal points must have at least %d items, got %d", MinRedressalPoints, len(points)))
	}
	if len(points) > MaxRedressalPoints {
		return domain.Invalid(fmt.Sprintf("redressal points must have at most %d items, got %d", MaxRedressalPoints, len(points)))
	}

	var empty []int
	for i, p := range points {
		if strings.TrimSpace(p) == "" {
			empty = append(empty, i)
		}
	}
	if len(empty) > 0 {
		return domain.Invalid(fmt.Sprintf("redressal points at indices %v are empty", empty))
	}

	// Marshal escapes '<' and '>', so a canonical label never contains a
	// closing delimiter and re-embeds safely.
	canonical, err := json.Marshal(points)
	if err != nil {
		return domain.Invalid(fmt.Sprintf("redressal points could not be encoded: %v", err))
	}
	return domain.Labeled(string(canonical))
}

// DecodeRedressal parses a canonical redressal label back into its points.
func DecodeRedressal(label string) ([]string, error) {
	var points []string
	if err := json.Unmarshal([]byte(label), &points); err != nil {
		return nil, fmt.Errorf("decode redressal label: %w", err)
	}
	return points, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
