package memstore

import "strings"

// Guard reasons, in evaluation order.
const (
	GuardEmptyCandidate         = "empty_candidate"
	GuardCandidateTooLong       = "candidate_too_long"
	GuardContainsCodeBlock      = "contains_code_block"
	GuardExcessiveShrink        = "excessive_shrink"
	GuardUnstructuredCandidate  = "unstructured_candidate"
	GuardDateLineOverflow       = "date_line_overflow"
	GuardURLLineOverflow        = "url_line_overflow"
	GuardDuplicateLineOverflow  = "duplicate_line_overflow"
	GuardHeadingRetentionTooLow = "heading_retention_too_low"
)

// Guard thresholds.
const (
	maxCandidateChars     = 12_000
	shrinkMinCurrentChars = 200
	shrinkRatio           = 0.40
	unstructuredMinChars  = 120
	overflowMinLines      = 3
	overflowRatio         = 0.20
	duplicateMinCount     = 4
	duplicateRatio        = 0.40
	headingRetentionRatio = 0.50
)

// GuardReason inspects a merged candidate against the current memory and
// returns a non-empty rejection reason when the write must not happen.
func GuardReason(current, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return GuardEmptyCandidate
	}
	if len(candidate) > maxCandidateChars {
		return GuardCandidateTooLong
	}
	if strings.Contains(candidate, "```") {
		return GuardContainsCodeBlock
	}
	if len(current) >= shrinkMinCurrentChars &&
		float64(len(candidate)) < shrinkRatio*float64(len(current)) {
		return GuardExcessiveShrink
	}
	if len(trimmed) >= unstructuredMinChars &&
		!strings.Contains(candidate, "## ") && !strings.Contains(candidate, "- ") {
		return GuardUnstructuredCandidate
	}

	lines := nonEmptyLines(candidate)
	if reason := lineOverflow(lines); reason != "" {
		return reason
	}
	if reason := duplicateOverflow(lines); reason != "" {
		return reason
	}
	if reason := headingRetention(current, candidate); reason != "" {
		return reason
	}
	return ""
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func lineOverflow(lines []string) string {
	dated, urls := 0, 0
	for _, line := range lines {
		if dateTokenRe.MatchString(line) {
			dated++
		}
		if strings.Contains(line, "http://") || strings.Contains(line, "https://") {
			urls++
		}
	}
	total := float64(len(lines))
	if dated >= overflowMinLines && float64(dated) >= overflowRatio*total {
		return GuardDateLineOverflow
	}
	if urls >= overflowMinLines && float64(urls) >= overflowRatio*total {
		return GuardURLLineOverflow
	}
	return ""
}

func duplicateOverflow(lines []string) string {
	counts := map[string]int{}
	for _, line := range lines {
		counts[normalizeLine(line)]++
	}
	for _, n := range counts {
		if n >= duplicateMinCount && float64(n) >= duplicateRatio*float64(len(lines)) {
			return GuardDuplicateLineOverflow
		}
	}
	return ""
}

func headingRetention(current, candidate string) string {
	_, curSections := parseSections(current)
	if len(curSections) == 0 {
		return ""
	}
	_, candSections := parseSections(candidate)
	candHeadings := map[string]bool{}
	for _, s := range candSections {
		candHeadings[s.Heading] = true
	}
	retained := 0
	for _, s := range curSections {
		if candHeadings[s.Heading] {
			retained++
		}
	}
	if float64(retained) < headingRetentionRatio*float64(len(curSections)) {
		return GuardHeadingRetentionTooLow
	}
	return ""
}
