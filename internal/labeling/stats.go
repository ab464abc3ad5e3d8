package labeling

import "github.com/ahrav/go-annotator/internal/domain"

// Stats summarizes a batch of validation results.
type Stats struct {
	Total          int     `json:"total"`
	Valid          int     `json:"valid"`
	Invalid        int     `json:"invalid"`
	ParsingErrors  int     `json:"parsing_errors"`
	ValidityErrors int     `json:"validity_errors"`
	SuccessRate    float64 `json:"success_rate"` // percentage in [0,100]
}

// ValidateBatch validates each response for the same domain, preserving order.
func ValidateBatch(d domain.Domain, raws []string) []domain.ValidationResult {
	out := make([]domain.ValidationResult, len(raws))
	for i, raw := range raws {
		out[i] = Validate(d, raw)
	}
	return out
}

// Summarize tallies results. An empty batch has a zero success rate.
func Summarize(results []domain.ValidationResult) Stats {
	s := Stats{Total: len(results)}
	for _, r := range results {
		switch {
		case r.IsValid():
			s.Valid++
		case r.ParsingError != "":
			s.Invalid++
			s.ParsingErrors++
		default:
			s.Invalid++
			s.ValidityErrors++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Valid) / float64(s.Total) * 100
	}
	return s
}

// SupportedDomains lists the domains Validate understands.
func SupportedDomains() []domain.Domain { return domain.AllDomains() }
