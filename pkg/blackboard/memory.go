package blackboard

import "time"

const (
	// MaxRecentTurns is the number of turns kept per worker.
	MaxRecentTurns = 10

	// MaxTurnContent is the maximum length of a stored turn, in runes.
	MaxTurnContent = 2000
)

// Turn is one entry of a worker's conversation log.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is a worker's multi-turn memory within a session.
type Conversation struct {
	RecentTurns       []Turn `json:"recent_turns"`
	CompressedSummary string `json:"compressed_summary,omitempty"`
	UpdatedAtMs       int64  `json:"updated_at_ms"`
}

// AddTurn appends a turn to a worker's memory, truncating content and
// dropping the oldest turns beyond MaxRecentTurns.
func (b *Blackboard) AddTurn(id WorkerID, role, content string) {
	conv := b.Memory[id]
	if conv == nil {
		conv = &Conversation{}
		b.Memory[id] = conv
	}
	conv.RecentTurns = append(conv.RecentTurns, Turn{Role: role, Content: truncateRunes(content, MaxTurnContent)})
	if n := len(conv.RecentTurns); n > MaxRecentTurns {
		conv.RecentTurns = append([]Turn(nil), conv.RecentTurns[n-MaxRecentTurns:]...)
	}
	conv.UpdatedAtMs = time.Now().UnixMilli()
}

// Compress replaces a worker's recent turns with a summary.
func (b *Blackboard) Compress(id WorkerID, summary string) {
	conv := b.Memory[id]
	if conv == nil {
		conv = &Conversation{}
		b.Memory[id] = conv
	}
	conv.CompressedSummary = summary
	conv.RecentTurns = nil
	conv.UpdatedAtMs = time.Now().UnixMilli()
}

// ConversationOf returns a copy of a worker's recent turns and summary.
func (b *Blackboard) ConversationOf(id WorkerID) ([]Turn, string) {
	conv := b.Memory[id]
	if conv == nil {
		return nil, ""
	}
	return append([]Turn(nil), conv.RecentTurns...), conv.CompressedSummary
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
