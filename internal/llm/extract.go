package llm

import (
	"strings"

	"github.com/tidwall/gjson"
)

// textPaths lists where known servers put the completion text, in the order
// they are tried: plain generate endpoints first, then chat-completion
// shapes, then the data-array variant.
var textPaths = []string{
	"response",
	"text",
	"output_text",
	"content",
	"choices.0.message.content",
	"choices.0.delta.content",
	"choices.0.text",
	"data.0.text",
	"data.0.content",
}

// ExtractText returns the first non-blank string found at one of textPaths.
func ExtractText(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return "", false
	}
	for _, path := range textPaths {
		v := root.Get(path)
		if v.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(v.Str); s != "" {
			return s, true
		}
	}
	return "", false
}

// errorMessage pulls a server supplied error description from body.
func errorMessage(body []byte) string {
	root := gjson.ParseBytes(body)
	for _, path := range []string{"error.message", "error", "message"} {
		v := root.Get(path)
		if v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return strings.TrimSpace(v.Str)
		}
	}
	return snippet(string(body))
}

const snippetLimit = 400

func snippet(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > snippetLimit {
		return string(r[:snippetLimit]) + "…"
	}
	return s
}
