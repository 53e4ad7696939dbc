package memstore

import (
	"regexp"
	"strings"
	"time"
)

// History entry limits.
const maxHistoryEntryChars = 600

// historyPrefixRe matches the timestamp prefix; minutes are optional.
var historyPrefixRe = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2}) \d{2}(:\d{2})?\]`)

// NormalizeHistoryEntry collapses whitespace, trims to the length cap, and
// ensures the timestamp prefix, prepending one when missing. It reports
// ok=false when the entry cannot be used at all (empty or contains a code
// fence), in which case history and daily writes are skipped.
func NormalizeHistoryEntry(raw string, now time.Time) (entry string, ok bool) {
	collapsed := strings.Join(strings.Fields(raw), " ")
	if collapsed == "" {
		return "", false
	}
	if strings.Contains(collapsed, "```") {
		return "", false
	}
	if len(collapsed) > maxHistoryEntryChars {
		collapsed = collapsed[:maxHistoryEntryChars]
	}
	if !historyPrefixRe.MatchString(collapsed) {
		collapsed = now.Format("[2006-01-02 15:04] ") + collapsed
	}
	return collapsed, true
}

// EntryDate extracts the YYYY-MM-DD date from an entry's prefix.
func EntryDate(entry string) (string, bool) {
	m := historyPrefixRe.FindStringSubmatch(entry)
	if m == nil {
		return "", false
	}
	return m[1], true
}
