package judge

import (
	"fmt"
	"strings"

	"github.com/mpataki/jury/internal/models"
)

const deliberativeSystem = `You are asked to resolve a scenario by choosing exactly one of the listed options.
Think it through, then answer with a single JSON object and nothing else:
{"choice": "<option id>", "confidence": <0..1>, "difficulty": <1..10>, "rationale": "<short explanation>"}`

const executiveSystem = `You are an agent acting inside the scenario below. Act by calling the ` + chooseTool + ` tool exactly once
with the option you carry out, your confidence (0..1), how difficult the call was (1..10), and a short rationale.`

func buildMessages(req Request) []chatMessage {
	system := deliberativeSystem
	if req.Mode == models.ModeExecutive {
		system = executiveSystem
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Text))
	b.WriteString("\n\nOptions:\n")
	for _, o := range req.Options {
		fmt.Fprintf(&b, "- %s: %s\n", o.ID, o.Text)
	}

	return []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}

func chooseOptionTool(options []models.OptionDef) chatTool {
	ids := make([]string, len(options))
	for i, o := range options {
		ids[i] = o.ID
	}
	return chatTool{
		Type: "function",
		Function: toolFunction{
			Name:        chooseTool,
			Description: "Carry out one of the available options.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"choice":     map[string]any{"type": "string", "enum": ids},
					"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"difficulty": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
					"rationale":  map[string]any{"type": "string"},
				},
				"required": []string{"choice", "confidence", "difficulty", "rationale"},
			},
		},
	}
}
