package contextbuilder

import (
	"github.com/nanobot-ai/nanobot/internal/tokens"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

// chunk is a user-anchored slice of history: one user message and the
// assistant/tool messages answering it.
type chunk struct {
	msgs   []models.Message
	tokens int
}

// splitChunks partitions compacted history into user-anchored chunks. A
// leading remnant without a user anchor becomes its own chunk.
func splitChunks(msgs []models.Message, counter *tokens.Counter) []chunk {
	var chunks []chunk
	start := 0
	for i, m := range msgs {
		if m.Role == models.RoleUser && i > start {
			chunks = append(chunks, newChunk(msgs[start:i], counter))
			start = i
		}
	}
	if start < len(msgs) {
		chunks = append(chunks, newChunk(msgs[start:], counter))
	}
	return chunks
}

func newChunk(msgs []models.Message, counter *tokens.Counter) chunk {
	return chunk{msgs: msgs, tokens: counter.CountMessages(msgs)}
}

// packHistory selects whole chunks from the most recent backward until the
// budget is exhausted. A chunk that does not fit entirely is skipped along
// with everything older than it.
func packHistory(msgs []models.Message, budget int, counter *tokens.Counter) []models.Message {
	if budget <= 0 || len(msgs) == 0 {
		return nil
	}
	chunks := splitChunks(msgs, counter)
	used := 0
	first := len(chunks)
	for i := len(chunks) - 1; i >= 0; i-- {
		if used+chunks[i].tokens > budget {
			break
		}
		used += chunks[i].tokens
		first = i
	}
	var out []models.Message
	for _, c := range chunks[first:] {
		out = append(out, c.msgs...)
	}
	return out
}

// dropTrailingDuplicateUser removes a trailing user message that would
// duplicate the incoming current message.
func dropTrailingDuplicateUser(history []models.Message, current string) []models.Message {
	if len(history) == 0 {
		return history
	}
	last := &history[len(history)-1]
	if last.Role != models.RoleUser {
		return history
	}
	if text, plain := last.PlainText(); plain && text == current {
		return history[:len(history)-1]
	}
	return history
}
