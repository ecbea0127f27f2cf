package inferpool

import "unicode/utf8"

const (
	charsPerToken      = 4
	messageOverhead    = 4
	requestOverhead    = 3
	minEstimatedTokens = 1
)

// EstimateUsage approximates the tokens of one exchange when the provider
// does not report usage. The completion counts as one assistant message.
func EstimateUsage(prompt []Message, completion string) int64 {
	total := int64(requestOverhead)
	for _, m := range prompt {
		total += textTokens(m.Content) + messageOverhead
	}
	if completion != "" {
		total += textTokens(completion) + messageOverhead
	}
	return max(total, minEstimatedTokens)
}

func textTokens(s string) int64 {
	n := int64(utf8.RuneCountInString(s))
	return (n + charsPerToken - 1) / charsPerToken
}
