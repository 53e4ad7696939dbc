package contextbuilder

import (
	"strings"

	"github.com/nanobot-ai/nanobot/pkg/models"
)

// Compaction limits.
const (
	truncateAssistantAt = 300
	truncatedSuffix     = "\n... (truncated)"
)

// errorEchoPrefixes identify assistant messages that merely echo a provider
// failure back into the transcript.
var errorEchoPrefixes = []string{
	"Error calling LLM:",
	"error:",
	"Error:",
}

// Compact applies the history compaction pipeline. Tool-protocol messages
// are never merged or deduped, and tool-call pairing survives every step.
func Compact(history []models.Message, windowTurns int) []models.Message {
	out := slidingWindow(history, windowTurns)
	out = dropErrorEchoes(out)
	out = truncateAssistantText(out, truncateAssistantAt)
	out = dedupeConsecutive(out)
	out = collapseRuns(out)
	out = dropLeadingNonUser(out)
	return repairToolPairing(out)
}

// slidingWindow keeps everything from the n-th most recent user message on.
func slidingWindow(msgs []models.Message, n int) []models.Message {
	if n <= 0 {
		return msgs
	}
	seen := 0
	start := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			seen++
			if seen == n {
				start = i
				break
			}
		}
	}
	if seen < n {
		return msgs
	}
	return msgs[start:]
}

func dropErrorEchoes(msgs []models.Message) []models.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			if text, plain := m.PlainText(); plain {
				echo := false
				for _, prefix := range errorEchoPrefixes {
					if strings.HasPrefix(text, prefix) {
						echo = true
						break
					}
				}
				if echo {
					continue
				}
			}
		}
		out = append(out, m)
	}
	return out
}

func truncateAssistantText(msgs []models.Message, limit int) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].Role != models.RoleAssistant {
			continue
		}
		if text, plain := out[i].PlainText(); plain && len(text) > limit {
			out[i].Content = models.TextContent(text[:limit] + truncatedSuffix)
		}
	}
	return out
}

// dedupeConsecutive drops a plain-text message identical to its surviving
// predecessor of the same role.
func dedupeConsecutive(msgs []models.Message) []models.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if len(out) > 0 && !m.IsToolProtocol() {
			prev := &out[len(out)-1]
			if !prev.IsToolProtocol() && prev.Role == m.Role {
				curText, curPlain := m.PlainText()
				prevText, prevPlain := prev.PlainText()
				if curPlain && prevPlain && curText == prevText {
					continue
				}
			}
		}
		out = append(out, m)
	}
	return out
}

// collapseRuns resolves same-role runs of plain messages: consecutive user
// messages keep only the last, consecutive assistant messages merge with a
// newline.
func collapseRuns(msgs []models.Message) []models.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if len(out) > 0 && !m.IsToolProtocol() {
			prev := &out[len(out)-1]
			if !prev.IsToolProtocol() && prev.Role == m.Role {
				curText, curPlain := m.PlainText()
				prevText, prevPlain := prev.PlainText()
				if curPlain && prevPlain {
					switch m.Role {
					case models.RoleUser:
						out[len(out)-1] = m
						continue
					case models.RoleAssistant:
						merged := m
						merged.Content = models.TextContent(prevText + "\n" + curText)
						out[len(out)-1] = merged
						continue
					}
				}
			}
		}
		out = append(out, m)
	}
	return out
}

func dropLeadingNonUser(msgs []models.Message) []models.Message {
	for i, m := range msgs {
		if m.Role == models.RoleUser {
			return msgs[i:]
		}
	}
	return nil
}

// repairToolPairing removes protocol messages whose counterpart did not
// survive earlier trimming. Groups are an assistant tool_calls message plus
// the directly following role=tool run; an incomplete group is dropped as a
// whole (the assistant survives as plain text if it had any).
func repairToolPairing(msgs []models.Message) []models.Message {
	out := msgs[:0:0]
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role == models.RoleTool {
			// Orphan result: its assistant did not survive.
			continue
		}
		if m.Role != models.RoleAssistant || len(m.ToolCalls) == 0 {
			out = append(out, m)
			continue
		}
		run := i + 1
		answered := map[string]bool{}
		for run < len(msgs) && msgs[run].Role == models.RoleTool {
			answered[msgs[run].ToolCallID] = true
			run++
		}
		complete := true
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				complete = false
				break
			}
		}
		if complete && len(answered) == len(m.ToolCalls) {
			out = append(out, msgs[i:run]...)
		} else if text := m.ContentText(); strings.TrimSpace(text) != "" {
			stripped := m
			stripped.ToolCalls = nil
			stripped.Content = models.TextContent(text)
			out = append(out, stripped)
		}
		i = run - 1
	}
	return out
}
