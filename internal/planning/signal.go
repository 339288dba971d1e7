package planning

import (
	"encoding/json"
	"strings"

	"github.com/ent0n29/warden/internal/tasks"
)

// Signal is a structured marker the planning agent embeds in an assistant
// turn: either the finished plan or a question back to the user.
type Signal struct {
	Complete bool                `json:"planning_complete"`
	Question string              `json:"question,omitempty"`
	Spec     *tasks.PlanningSpec `json:"spec,omitempty"`
}

// ParseCompletionSignal extracts a planning signal from assistant output.
// The agent may emit the JSON bare or inside a fenced code block; anything
// unparseable is simply not a signal.
func ParseCompletionSignal(content string) (Signal, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Signal{}, false
	}

	for _, candidate := range signalCandidates(content) {
		var signal Signal
		if err := json.Unmarshal([]byte(candidate), &signal); err != nil {
			continue
		}
		if signal.Complete || strings.TrimSpace(signal.Question) != "" {
			return signal, true
		}
	}
	return Signal{}, false
}

func signalCandidates(content string) []string {
	candidates := []string{content}

	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			candidates = append(candidates, strings.TrimSpace(rest[:end]))
		}
	}

	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			candidates = append(candidates, content[start:end+1])
		}
	}
	return candidates
}
