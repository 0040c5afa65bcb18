package brain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SystemPrompt builds the instruction block sent ahead of every command. It
// lists the available tools and asks for a JSON-only payload.
func SystemPrompt(assistant string, tools []ToolInfo, context map[string]any) string {
	if assistant == "" {
		assistant = "Avva"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an intelligent desktop voice assistant. ", assistant)
	b.WriteString("Your goal is to extract intent and arguments from user commands. ")
	b.WriteString("You MUST respond ONLY with a valid JSON object in the following format:\n")
	b.WriteString("{\n")
	b.WriteString(`  "intent": "tool_name",` + "\n")
	b.WriteString(`  "arguments": {"param1": "value"},` + "\n")
	b.WriteString(`  "confidence": 0.95,` + "\n")
	b.WriteString(`  "natural_response": "Optional helpful message"` + "\n")
	b.WriteString("}\n")
	b.WriteString("If no tool is appropriate, set intent to null and provide a conversational natural_response.\n")

	if len(tools) > 0 {
		b.WriteString("Here are your currently installed tools:\n")
		sorted := append([]ToolInfo(nil), tools...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
		for _, t := range sorted {
			fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Description)
		}
	} else {
		b.WriteString("No tools are installed; always set intent to null.\n")
	}

	if extra := contextBlock(context); extra != "" {
		b.WriteString("\nContext:\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}

	b.WriteString("\nSTRICT RULES:\n")
	b.WriteString("1. Output ONLY JSON.\n")
	b.WriteString("2. Confidence must be between 0.0 and 1.0.\n")
	b.WriteString("3. If multiple tools fit, choose the best one.")
	return b.String()
}

func contextBlock(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	rest := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if k == "query" {
			continue
		}
		rest[k] = v
	}
	if len(rest) == 0 {
		return ""
	}
	b, err := json.MarshalIndent(rest, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
