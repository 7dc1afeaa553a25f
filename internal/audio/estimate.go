package audio

// Sizing rules for the Dia model: about four characters of input text per
// token, and 86 audio tokens per second of generated speech.
const (
	charsPerToken        = 4.0
	audioTokensPerSecond = 86.0
)

// EstimateAudioSeconds predicts the length of speech generated for a text.
func EstimateAudioSeconds(textLength int) float64 {
	if textLength <= 0 {
		return 0
	}

	return (float64(textLength) / charsPerToken) / audioTokensPerSecond
}

// EstimateProcessingSeconds predicts generation time for a text on hardware
// that decodes tokensPerSecond audio tokens.
func EstimateProcessingSeconds(textLength int, tokensPerSecond float64) float64 {
	if textLength <= 0 || tokensPerSecond <= 0 {
		return 0
	}

	return (float64(textLength) / charsPerToken) / tokensPerSecond
}
