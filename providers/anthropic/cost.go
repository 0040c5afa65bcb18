package anthropic

import (
	"strings"

	"github.com/jllopis/avva/pkg/llm"
)

// price is USD per million tokens.
type price struct {
	input, output float64
}

var (
	sonnet = price{input: 3.00, output: 15.00}
	prices = []struct {
		match string
		price price
	}{
		{"opus", price{input: 15.00, output: 75.00}},
		{"haiku", price{input: 0.25, output: 1.25}},
		{"sonnet", sonnet},
	}
)

// Cost estimates the USD cost of a call. Unknown models are priced as Sonnet.
func Cost(model string, usage llm.Usage) float64 {
	p := sonnet
	lower := strings.ToLower(model)
	for _, entry := range prices {
		if strings.Contains(lower, entry.match) {
			p = entry.price
			break
		}
	}
	return float64(usage.PromptTokens)/1e6*p.input + float64(usage.CompletionTokens)/1e6*p.output
}
