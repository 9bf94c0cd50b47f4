package pricing

// EstimateTokens approximates token counts at ~4 characters per token. Used
// only when the provider reports no usage; records built from it must be
// flagged as estimates, never conflated with provider-reported figures.
func EstimateTokens(promptText, completionText string) (promptTokens, completionTokens int) {
	return charEstimate(promptText), charEstimate(completionText)
}

func charEstimate(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
