package genai

import "strings"

// Classifier decides whether generated text actually answers the caller's
// question. The control flow never depends on how the decision is made, so
// the phrase list below can be swapped without touching the pipeline.
type Classifier interface {
	// AnswerFound reports whether the generated text contains an answer.
	AnswerFound(text string) bool
}

// negativePhrases are the fixed markers of a "no answer found" generation.
// The list is English-only and matched verbatim for compatibility with the
// prompts; false positives/negatives are possible.
var negativePhrases = []string{
	"don't have the specific steps",
	"don't have the information",
	"couldn't find",
	"human agent will follow up",
	"human agent will need to follow up",
	"need to connect you with a human agent",
	"i don't have access to",
	"i don't have the details",
	"there isn't any specific information",
	"i don't have specific information",
	"i don't have the specific information",
	"doesn't contain information",
	"doesn't provide information",
	"no specific information",
	"no information about",
	"doesn't mention how to",
}

// PhraseClassifier classifies by scanning for negative-result phrases.
type PhraseClassifier struct {
	phrases []string
}

// NewPhraseClassifier creates the default classifier with the fixed negative
// phrase list.
func NewPhraseClassifier() *PhraseClassifier {
	return &PhraseClassifier{phrases: negativePhrases}
}

// NewPhraseClassifierWithPhrases creates a classifier with a custom phrase
// list; phrases are matched lowercase.
func NewPhraseClassifierWithPhrases(phrases []string) *PhraseClassifier {
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(p)
	}
	return &PhraseClassifier{phrases: lowered}
}

// AnswerFound assumes an answer is present unless a negative phrase appears.
func (c *PhraseClassifier) AnswerFound(text string) bool {
	lowered := strings.ToLower(text)
	for _, phrase := range c.phrases {
		if strings.Contains(lowered, phrase) {
			return false
		}
	}
	return true
}
