package memstore

import (
	"regexp"
	"strings"
)

// Daily routing sources, recorded in the routing metrics.
const (
	SourceModel             = "model"
	SourceSalvaged          = "salvaged_model_partial"
	SourceSynthMissing      = "synthesized_missing"
	SourceSynthAfterInvalid = "synthesized_after_invalid"
	SourceRequiredMissing   = "required_missing"
	SourceFallback          = "fallback_unstructured"
)

// dailySectionKeys maps payload keys to the H2 headings of a daily file.
var dailySectionKeys = map[string]string{
	"topics":         "Topics",
	"decisions":      "Decisions",
	"tool_activity":  "Tool Activity",
	"open_questions": "Open Questions",
}

// dailyFileRe matches daily file basenames.
var dailyFileRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.md$`)

// DailyTemplate renders an empty daily file for a date.
func DailyTemplate(date string) string {
	return "# " + date + "\n\n## Topics\n\n## Decisions\n\n## Tool Activity\n\n## Open Questions\n"
}

// IsDailyFile reports whether name is a daily file basename.
func IsDailyFile(name string) bool { return dailyFileRe.MatchString(name) }

// RouteDaily resolves where daily bullets come from: the model's structured
// payload, a partial salvage of it, bullets synthesized from the history
// entry body, or an unstructured fallback. mode is compatible, preferred,
// or required.
func RouteDaily(raw any, historyBody, mode string) (map[string][]string, string) {
	normalized, complete := normalizeDailySections(raw)
	if complete {
		return normalized, SourceModel
	}
	if len(normalized) > 0 {
		return normalized, SourceSalvaged
	}

	if bullets := synthesizeBullets(historyBody); len(bullets) > 0 {
		source := SourceSynthMissing
		if raw != nil {
			source = SourceSynthAfterInvalid
		}
		return bullets, source
	}

	if mode == "required" {
		return nil, SourceRequiredMissing
	}
	body := strings.TrimSpace(historyBody)
	if body == "" {
		return nil, SourceRequiredMissing
	}
	return map[string][]string{classifyBullet(body): {body}}, SourceFallback
}

// normalizeDailySections accepts the model's daily_sections value. complete
// is true when the payload survived intact as a non-empty mapping of string
// lists over the known keys.
func normalizeDailySections(raw any) (sections map[string][]string, complete bool) {
	m, ok := raw.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	sections = map[string][]string{}
	complete = true
	for key, val := range m {
		if _, known := dailySectionKeys[key]; !known {
			complete = false
			continue
		}
		list, ok := stringList(val)
		if !ok {
			complete = false
			continue
		}
		if len(list) > 0 {
			sections[key] = list
		}
	}
	if len(sections) == 0 {
		return nil, false
	}
	return sections, complete
}

func stringList(val any) ([]string, bool) {
	switch v := val.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// Bullet synthesis limits.
const (
	maxSynthesizedBullets = 4
	minBulletChars        = 10
)

var sentenceSplitRe = regexp.MustCompile(`[.!?;。！？；]+\s*`)

// synthesizeBullets derives daily bullets from a history entry body by
// sentence splitting, filtering, and keyword classification.
func synthesizeBullets(body string) map[string][]string {
	body = historyPrefixRe.ReplaceAllString(strings.TrimSpace(body), "")
	parts := sentenceSplitRe.Split(body, -1)

	out := map[string][]string{}
	seen := map[string]bool{}
	total := 0
	for _, part := range parts {
		bullet := strings.TrimSpace(part)
		if len(bullet) < minBulletChars {
			continue
		}
		if lineTransient(bullet) {
			continue
		}
		key := normalizeLine(bullet)
		if seen[key] {
			continue
		}
		seen[key] = true
		sectionKey := classifyBullet(bullet)
		out[sectionKey] = append(out[sectionKey], bullet)
		total++
		if total >= maxSynthesizedBullets {
			break
		}
	}
	if total == 0 {
		return nil
	}
	return out
}

var (
	decisionWords = []string{"decided", "decide", "decision", "chose", "choose", "agreed", "will use", "plan to", "决定", "计划", "选择"}
	toolWords     = []string{"tool", "exec", "command", "ran ", "wrote", "read file", "fetched", "edited", "执行", "工具", "文件"}
	questionWords = []string{"?", "？", "unclear", "unknown", "open question", "todo", "to decide", "待定", "问题"}
)

// classifyBullet picks the daily section key for one bullet.
func classifyBullet(bullet string) string {
	lower := strings.ToLower(bullet)
	for _, w := range questionWords {
		if strings.Contains(lower, w) {
			return "open_questions"
		}
	}
	for _, w := range decisionWords {
		if strings.Contains(lower, w) {
			return "decisions"
		}
	}
	for _, w := range toolWords {
		if strings.Contains(lower, w) {
			return "tool_activity"
		}
	}
	return "topics"
}

// InsertDailyBullets appends bullets into their sections of a daily file
// body, creating the file from the template when existing is empty and an
// Entries section when a target heading is absent. Bullets already present
// verbatim in their section are skipped.
func InsertDailyBullets(existing, date string, sections map[string][]string) string {
	if strings.TrimSpace(existing) == "" {
		existing = DailyTemplate(date)
	}
	preamble, parsed := parseSections(existing)

	for _, key := range []string{"topics", "decisions", "tool_activity", "open_questions"} {
		bullets := sections[key]
		if len(bullets) == 0 {
			continue
		}
		heading := dailySectionKeys[key]
		idx := findSection(parsed, heading)
		if idx < 0 {
			idx = findSection(parsed, "Entries")
			if idx < 0 {
				parsed = append(parsed, section{Heading: "Entries"})
				idx = len(parsed) - 1
			}
		}
		parsed[idx].Lines = appendBullets(parsed[idx].Lines, bullets)
	}
	return renderSections(preamble, parsed)
}

func findSection(sections []section, heading string) int {
	for i, s := range sections {
		if s.Heading == heading {
			return i
		}
	}
	return -1
}

func appendBullets(lines []string, bullets []string) []string {
	present := map[string]bool{}
	for _, line := range lines {
		present[strings.TrimSpace(line)] = true
	}
	out := trimTrailingBlank(lines)
	for _, b := range bullets {
		line := "- " + strings.TrimSpace(b)
		if present[line] {
			continue
		}
		present[line] = true
		out = append(out, line)
	}
	out = append(out, "")
	return out
}
