package moderation

import (
	"regexp"
	"strings"
)

type rule struct {
	pattern *regexp.Regexp
	reason  string
}

// Screen is a cheap local pre-check run before the remote service is asked.
type Screen struct {
	rules []rule
}

func NewScreen() *Screen {
	return &Screen{rules: []rule{
		{regexp.MustCompile(`\b(hate|kill|murder|terror|bomb|weapon)\b`), "Potential hate/violence"},
		{regexp.MustCompile(`\b(child|kid|minor).*(sex|porn|naked)\b`), "Child safety"},
		{regexp.MustCompile(`\b(fuck|shit|bitch|asshole)\b`), "Profanity"},
	}}
}

// Check returns the reasons text was flagged. An empty result means nothing
// matched, not that the text is safe.
func (s *Screen) Check(text string) []string {
	lower := strings.ToLower(text)

	var reasons []string
	for _, r := range s.rules {
		if r.pattern.MatchString(lower) {
			reasons = append(reasons, r.reason)
		}
	}
	return reasons
}
