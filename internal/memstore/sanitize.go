package memstore

import (
	"regexp"
	"strings"
)

// Heading patterns that mark a section as transient chatter rather than a
// stable fact, in English and Chinese.
var rejectHeadingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(今天|今日|近期).*(讨论|主题)`),
	regexp.MustCompile(`(?i)today.*(discussion|topics?)`),
	regexp.MustCompile(`(?i)recent.*(discussion|topics?)`),
}

// transientSectionPatterns identify status-report sections whose dated or
// error-laden lines should not enter long-term memory.
var transientSectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(system|technical).*(issues?|status)`),
	regexp.MustCompile(`(?i)(api|service).*(issues?|status|errors?)`),
	regexp.MustCompile(`(系统|技术).*(问题|状态)`),
	regexp.MustCompile(`(接口|服务).*(问题|状态|错误)`),
}

var (
	dateTokenRe  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	httpStatusRe = regexp.MustCompile(`\b[45]\d{2}\b`)
)

var transientLineWords = []string{
	"today", "yesterday", "recently", "currently", "temporary", "temporarily",
	"error", "failed", "failure", "timeout", "timed out", "unavailable",
	"今天", "昨天", "最近", "目前", "临时", "暂时",
	"错误", "失败", "超时", "不可用",
}

// SanitizeStats reports what sanitization removed.
type SanitizeStats struct {
	SectionsDropped int `json:"sections_dropped"`
	LinesDropped    int `json:"lines_dropped"`
	BulletsDeduped  int `json:"bullets_deduped"`
}

// Changed reports whether anything was removed.
func (s SanitizeStats) Changed() bool {
	return s.SectionsDropped > 0 || s.LinesDropped > 0 || s.BulletsDeduped > 0
}

// Sanitize applies the single-pass hygiene rules to a candidate memory
// document: transient headings are dropped, dated or error-status lines are
// removed from status sections, and bullets are deduplicated within each
// section. Sanitize is idempotent.
func Sanitize(text string) (string, SanitizeStats) {
	var stats SanitizeStats
	preamble, sections := parseSections(text)

	kept := sections[:0:0]
	for _, s := range sections {
		if headingRejected(s.Heading) {
			stats.SectionsDropped++
			continue
		}
		if sectionTransient(s.Heading) {
			var lines []string
			for _, line := range s.Lines {
				if strings.TrimSpace(line) != "" && lineTransient(line) {
					stats.LinesDropped++
					continue
				}
				lines = append(lines, line)
			}
			s.Lines = lines
			if sectionEmpty(s) {
				stats.SectionsDropped++
				continue
			}
		}
		s.Lines, stats.BulletsDeduped = dedupeBullets(s.Lines, stats.BulletsDeduped)
		kept = append(kept, s)
	}

	if len(kept) == 0 && !hasContent(preamble) {
		return "", stats
	}
	return renderSections(preamble, kept), stats
}

func headingRejected(heading string) bool {
	for _, re := range rejectHeadingPatterns {
		if re.MatchString(heading) {
			return true
		}
	}
	return dateTokenRe.MatchString(heading)
}

func sectionTransient(heading string) bool {
	for _, re := range transientSectionPatterns {
		if re.MatchString(heading) {
			return true
		}
	}
	return false
}

func lineTransient(line string) bool {
	if dateTokenRe.MatchString(line) || httpStatusRe.MatchString(line) {
		return true
	}
	lower := strings.ToLower(line)
	for _, w := range transientLineWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func sectionEmpty(s section) bool {
	for _, line := range s.Lines {
		if strings.TrimSpace(line) != "" {
			return false
		}
	}
	return true
}

// dedupeBullets keeps the first occurrence of each normalized bullet.
func dedupeBullets(lines []string, deduped int) ([]string, int) {
	seen := map[string]bool{}
	out := lines[:0:0]
	for _, line := range lines {
		if isBullet(line) {
			key := normalizeLine(line)
			if seen[key] {
				deduped++
				continue
			}
			seen[key] = true
		}
		out = append(out, line)
	}
	return out, deduped
}

func hasContent(lines []string) bool {
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			return true
		}
	}
	return false
}
