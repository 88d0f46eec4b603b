package agent

import (
	"bytes"
	"encoding/json"
	"strings"
)

// PlanSource says how the plan text was obtained.
type PlanSource string

const (
	// SourceStructured means the plan came from the agent's structured
	// stream: the last textual assistant message.
	SourceStructured PlanSource = "structured"
	// SourceRaw means structured parsing found nothing and the raw output
	// was used as-is. Kept as an explicit variant so the ambiguity stays
	// visible to callers and tests.
	SourceRaw PlanSource = "raw"
)

// Plan is the extracted plan text plus where it came from.
type Plan struct {
	Text   string
	Source PlanSource
}

// streamEvent mirrors the subset of the agent's stream-json events we read.
type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// ExtractPlan pulls the plan text out of an agent run's retained output.
// The agent emits one JSON event per line; the plan is the text of the last
// assistant message carrying a text block. When no such message parses, the
// whole raw output is the fallback.
func ExtractPlan(output []byte) Plan {
	var last string

	for _, line := range bytes.Split(output, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Type != "assistant" {
			continue
		}
		var parts []string
		for _, block := range ev.Message.Content {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		if len(parts) > 0 {
			last = strings.Join(parts, "\n")
		}
	}

	if last != "" {
		return Plan{Text: strings.TrimSpace(last), Source: SourceStructured}
	}
	return Plan{Text: strings.TrimSpace(string(output)), Source: SourceRaw}
}

// resultEvent is the terminal stream-json message carrying usage totals.
type resultEvent struct {
	Type  string `json:"type"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ExtractUsage returns the total token count reported by the run's result
// message, or zero when the output carries none.
func ExtractUsage(output []byte) int {
	total := 0
	for _, line := range bytes.Split(output, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev resultEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type != "result" {
			continue
		}
		total = ev.Usage.InputTokens + ev.Usage.OutputTokens
	}
	return total
}
