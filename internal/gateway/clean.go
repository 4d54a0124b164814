package gateway

import (
	"regexp"
	"strings"
)

// codePrompt frames a code-mode request.
const codePrompt = "You are a senior developer. Generate ONLY code for: "

var (
	// up to and including the last assistant role label
	assistantLabelRe = regexp.MustCompile(`(?s)^.*assistant\s*`)
	eofMarkerRe      = regexp.MustCompile(`(?m)>\s*EOF.*$`)
	fenceOpenRe      = regexp.MustCompile("(?m)^```[a-zA-Z]*")
	fenceCloseRe     = regexp.MustCompile("(?m)```$")
)

func wrapCodePrompt(prompt string) string { return codePrompt + prompt }

// cleanCode strips chat scaffolding from code-mode output: role labels, EOF
// markers and Markdown fences. An empty result means the model produced no code.
func cleanCode(raw string) string {
	s := assistantLabelRe.ReplaceAllString(strings.TrimSpace(raw), "")
	s = eofMarkerRe.ReplaceAllString(s, "")
	s = fenceOpenRe.ReplaceAllString(strings.TrimSpace(s), "")
	s = fenceCloseRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
