package memstore

// Merge combines the sanitized candidate with the current memory. When both
// documents have at least one H2 section the result is a union: current's
// section order is preserved, new candidate sections append in their order,
// and within a shared section new bullets append after current's while
// existing bullets stay untouched. Otherwise the candidate wins unchanged.
func Merge(current, candidate string) string {
	curPre, curSections := parseSections(current)
	_, candSections := parseSections(candidate)
	if len(curSections) == 0 || len(candSections) == 0 {
		return candidate
	}

	candByHeading := map[string]*section{}
	for i := range candSections {
		candByHeading[candSections[i].Heading] = &candSections[i]
	}

	merged := make([]section, 0, len(curSections)+len(candSections))
	for _, cur := range curSections {
		if cand, ok := candByHeading[cur.Heading]; ok {
			cur.Lines = mergeSectionLines(cur.Lines, cand.Lines)
			delete(candByHeading, cur.Heading)
		}
		merged = append(merged, cur)
	}
	for _, cand := range candSections {
		if _, pending := candByHeading[cand.Heading]; pending {
			merged = append(merged, cand)
		}
	}
	return renderSections(curPre, merged)
}

// mergeSectionLines appends candidate bullets not already present, keeping
// the current section body intact.
func mergeSectionLines(current, candidate []string) []string {
	seen := map[string]bool{}
	for _, line := range current {
		if isBullet(line) {
			seen[normalizeLine(line)] = true
		}
	}
	out := trimTrailingBlank(current)
	for _, line := range candidate {
		if !isBullet(line) {
			continue
		}
		key := normalizeLine(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, line)
	}
	out = append(out, "")
	return out
}

func trimTrailingBlank(lines []string) []string {
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	out := make([]string, end)
	copy(out, lines[:end])
	return out
}
