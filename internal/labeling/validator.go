// Package labeling converts raw model output into validation results for each
// classification domain. Malformed output is an expected outcome, so nothing
// in this package panics or returns an error for bad input: every failure is
// reported as data inside a domain.ValidationResult.
//
// Every response must wrap its answer in a delimited tag, e.g. "<<LEVEL_3>>".
// Missing tags are parsing errors; tags whose content falls outside the
// domain's label space are validity errors.
package labeling

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ahrav/go-annotator/internal/domain"
)

// ErrNoTag is the parsing error reported when no delimited tag is present.
const ErrNoTag = "no delimited tag found"

// maxQuotedContent bounds how much tag content is echoed into error messages.
const maxQuotedContent = 120

// tagPattern captures the first non-greedy <<...>> span, newlines included.
var tagPattern = regexp.MustCompile(`(?s)<<(.+?)>>`)

// codeSet describes a marker-plus-number label space such as "TA-1".."TA-9".
type codeSet struct {
	name    string
	pattern *regexp.Regexp
	min     int
	max     int
	format  func(int) string
}

func (c codeSet) label(n int) string { return c.format(n) }

var (
	urgencyCodes = codeSet{
		name:    "urgency level",
		pattern: regexp.MustCompile(`(?i)LEVEL[\s_-]*(\d+)`),
		min:     0,
		max:     4,
		format:  func(n int) string { return "LEVEL_" + strconv.Itoa(n) },
	}
	therapeuticCodes = codeSet{
		name:    "therapeutic code",
		pattern: regexp.MustCompile(`TA[\s_-]*(\d+)`),
		min:     1,
		max:     9,
		format:  func(n int) string { return "TA-" + strconv.Itoa(n) },
	}
	intensityCodes = codeSet{
		name:    "intensity level",
		pattern: regexp.MustCompile(`(?i)INT[\s_-]*(\d+)`),
		min:     1,
		max:     5,
		format:  func(n int) string { return "INT-" + strconv.Itoa(n) },
	}
	adjunctCodes = codeSet{
		name:    "adjunct code",
		pattern: regexp.MustCompile(`ADJ[\s_-]*(\d+)`),
		min:     1,
		max:     8,
		format:  func(n int) string { return "ADJ-" + strconv.Itoa(n) },
	}
	modalityCodes = codeSet{
		name:    "modality code",
		pattern: regexp.MustCompile(`MOD[\s_-]*(\d+)`),
		min:     1,
		max:     6,
		format:  func(n int) string { return "MOD-" + strconv.Itoa(n) },
	}
)

// AdjunctNone is the sentinel label for "no adjunct services".
const AdjunctNone = "NONE"

// multiLabelSeparator joins canonical codes in multi-label output.
const multiLabelSeparator = ", "

// Validator is a stateless handle on Validate for callers that inject
// collaborators through interfaces.
type Validator struct{}

// Validate implements the orchestration validator contract.
func (Validator) Validate(d domain.Domain, raw string) domain.ValidationResult {
	return Validate(d, raw)
}

// Validate maps a raw model response to a validation result for domain d.
// It is total: any string input, including invalid UTF-8, produces a result.
func Validate(d domain.Domain, raw string) domain.ValidationResult {
	if !d.Valid() {
		return domain.Invalid(fmt.Sprintf("unsupported domain %q", d))
	}

	content, ok := ExtractTag(raw)
	if !ok {
		return domain.ParseFailure(ErrNoTag)
	}

	switch d {
	case domain.DomainUrgency:
		return parseSingle(content, urgencyCodes)
	case domain.DomainTherapeutic:
		return parseMulti(content, therapeuticCodes)
	case domain.DomainIntensity:
		return parseSingle(content, intensityCodes)
	case domain.DomainAdjunct:
		return parseAdjunct(content)
	case domain.DomainModality:
		return parseMulti(content, modalityCodes)
	case domain.DomainRedressal:
		return parseRedressal(content)
	default:
		return domain.Invalid(fmt.Sprintf("unsupported domain %q", d))
	}
}

// ExtractTag returns the trimmed content of the first <<...>> span.
func ExtractTag(raw string) (string, bool) {
	m := tagPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// parseSingle takes the first code occurrence. Later occurrences are ignored.
func parseSingle(content string, cs codeSet) domain.ValidationResult {
	m := cs.pattern.FindStringSubmatch(content)
	if m == nil {
		return domain.Invalid(fmt.Sprintf("no %s found in %q", cs.name, quote(content)))
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < cs.min || n > cs.max {
		return domain.Invalid(fmt.Sprintf("%s %s out of range [%d,%d]", cs.name, m[1], cs.min, cs.max))
	}
	return domain.Labeled(cs.label(n))
}

// parseMulti collects every code occurrence, de-duplicated in first-seen order.
func parseMulti(content string, cs codeSet) domain.ValidationResult {
	matches := cs.pattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return domain.Invalid(fmt.Sprintf("no %ss found in %q", cs.name, quote(content)))
	}

	seen := make(map[int]struct{}, len(matches))
	labels := make([]string, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < cs.min || n > cs.max {
			return domain.Invalid(fmt.Sprintf("%s %s out of range [%d,%d]", cs.name, m[1], cs.min, cs.max))
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		labels = append(labels, cs.label(n))
	}
	return domain.Labeled(strings.Join(labels, multiLabelSeparator))
}

// parseAdjunct checks the NONE sentinel before looking for codes.
func parseAdjunct(content string) domain.ValidationResult {
	if strings.Contains(strings.ToUpper(content), AdjunctNone) {
		return domain.Labeled(AdjunctNone)
	}
	return parseMulti(content, adjunctCodes)
}

// quote shortens s to maxQuotedContent runes.
func quote(s string) string {
	n := 0
	for i := range s {
		if n == maxQuotedContent {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
