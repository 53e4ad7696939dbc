// Package memstore owns the files under the workspace memory directory:
// MEMORY.md long-term facts, HISTORY.md append-only entries, per-day files,
// and the observability metric sinks. All writes are atomic and serialized
// behind a store-wide mutex.
package memstore

import "strings"

// section is one H2 block of a markdown memory document.
type section struct {
	Heading string // without the "## " marker
	Lines   []string
}

// parseSections splits markdown into a preamble and its H2 sections.
func parseSections(text string) (preamble []string, sections []section) {
	var current *section
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "## ") {
			sections = append(sections, section{Heading: strings.TrimSpace(strings.TrimPrefix(line, "## "))})
			current = &sections[len(sections)-1]
			continue
		}
		if current == nil {
			preamble = append(preamble, line)
		} else {
			current.Lines = append(current.Lines, line)
		}
	}
	return preamble, sections
}

// renderSections reassembles a parsed document.
func renderSections(preamble []string, sections []section) string {
	var b strings.Builder
	for _, line := range preamble {
		b.WriteString(line)
		b.WriteString("\n")
	}
	for _, s := range sections {
		b.WriteString("## ")
		b.WriteString(s.Heading)
		b.WriteString("\n")
		for _, line := range s.Lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// normalizeLine lowercases and collapses whitespace for comparisons.
func normalizeLine(line string) string {
	return strings.ToLower(strings.Join(strings.Fields(line), " "))
}

// isBullet reports whether the line is a markdown bullet.
func isBullet(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "- ")
}
