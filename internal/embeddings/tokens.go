package embeddings

import "unicode/utf8"

const runesPerToken = 4

// EstimateTokens approximates the token count of text (about four characters per token).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}

	return (n + runesPerToken - 1) / runesPerToken
}
