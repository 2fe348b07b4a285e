package generation

import (
	"unicode/utf8"

	"contentengine/pkg/usage"
)

const tokensPerMillion = 1_000_000

// Pricing converts token counts to cost. Rates are per million tokens.
type Pricing struct {
	InputPerMTok  usage.Cost
	OutputPerMTok usage.Cost
}

// Cost rounds up to the next micro-dollar.
func (p Pricing) Cost(inputTokens, outputTokens int) usage.Cost {
	total := int64(inputTokens)*int64(p.InputPerMTok) + int64(outputTokens)*int64(p.OutputPerMTok)
	if total <= 0 {
		return 0
	}
	return usage.Cost((total + tokensPerMillion - 1) / tokensPerMillion)
}

// Estimate prices a call before it is made: about four characters per
// input token and the full output allowance.
func (p Pricing) Estimate(system, user string, maxTokens int) usage.Cost {
	chars := utf8.RuneCountInString(system) + utf8.RuneCountInString(user)
	return p.Cost((chars+3)/4, maxTokens)
}
