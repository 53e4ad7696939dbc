package memstore

import (
	"sort"
	"strings"
)

// preferenceHeadings name the H2 section holding user preferences.
var preferenceHeadings = []string{"Preferences", "偏好", "用户偏好"}

// extendedPreferenceKeys are always checked on top of the configured set.
var extendedPreferenceKeys = []string{"timezone", "output_format", "tone"}

// PreferenceConflict is one key whose value differs between the current
// memory and the candidate.
type PreferenceConflict struct {
	Key      string `json:"key"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// extractPreferences pulls key/value bullets out of the preferences section.
// Bullets look like "- language: English"; keys compare case-insensitively.
func extractPreferences(text string, keys []string) map[string]string {
	keySet := map[string]bool{}
	for _, k := range append(append([]string{}, keys...), extendedPreferenceKeys...) {
		keySet[strings.ToLower(k)] = true
	}

	out := map[string]string{}
	_, sections := parseSections(text)
	for _, s := range sections {
		if !isPreferenceHeading(s.Heading) {
			continue
		}
		for _, line := range s.Lines {
			trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
			key, value, ok := strings.Cut(trimmed, ":")
			if !ok {
				continue
			}
			key = strings.ToLower(strings.TrimSpace(key))
			value = strings.TrimSpace(value)
			if keySet[key] && value != "" {
				out[key] = value
			}
		}
	}
	return out
}

func isPreferenceHeading(heading string) bool {
	for _, h := range preferenceHeadings {
		if strings.EqualFold(heading, h) {
			return true
		}
	}
	return false
}

// FindPreferenceConflicts compares preference values between current and
// candidate for the configured keys.
func FindPreferenceConflicts(current, candidate string, keys []string) []PreferenceConflict {
	cur := extractPreferences(current, keys)
	cand := extractPreferences(candidate, keys)
	var out []PreferenceConflict
	for key, oldVal := range cur {
		if newVal, ok := cand[key]; ok && newVal != oldVal {
			out = append(out, PreferenceConflict{Key: key, OldValue: oldVal, NewValue: newVal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
