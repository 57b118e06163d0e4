package rewriter

import (
	"encoding/json"
	"unicode"
)

// CountTokens implements the chosen tokenizer strategy (see SPEC_FULL.md
// Supplemented Features #4): a single deterministic whitespace- and
// punctuation-aware counter, not a calibrated approximation of any specific
// upstream tokenizer. A "token" is one maximal run of letters/digits, or one
// standalone punctuation/symbol rune; whitespace never contributes a token.
// The only contract this spec requires is determinism for a given
// (text, strategy) pair, which a pure function over runes trivially gives.
func CountTokens(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				count++
				inWord = true
			}
		default:
			count++
			inWord = false
		}
	}
	return count
}

// ExtractTextPayload pulls the text the token pre-check should measure, from
// either an OpenAI-style body (`messages[*].content`) or a native-style body
// (`contents[*].parts[*].text`). Unrecognized shapes yield an empty string
// rather than an error — the pre-check is then skipped.
func ExtractTextPayload(body []byte) string {
	var openAI struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &openAI); err == nil && len(openAI.Messages) > 0 {
		var text string
		for _, m := range openAI.Messages {
			text += m.Content
		}
		return text
	}

	var native struct {
		Contents []struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(body, &native); err == nil && len(native.Contents) > 0 {
		var text string
		for _, c := range native.Contents {
			for _, p := range c.Parts {
				text += p.Text
			}
		}
		return text
	}

	return ""
}
