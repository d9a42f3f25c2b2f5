package agentrelay

import (
	"regexp"
	"strings"
)

var (
	// Reasoning models wrap their chain of thought in <think> or <reasoning>
	// tags; an unclosed tag runs to the end of the output.
	thinkBlockRegex     = regexp.MustCompile(`(?is)<think>(.*?)</think>`)
	reasoningBlockRegex = regexp.MustCompile(`(?is)<reasoning>(.*?)</reasoning>`)
	openThinkRegex      = regexp.MustCompile(`(?is)<think>(.*)`)
	multiNewlineRegex   = regexp.MustCompile(`\n\s*\n\s*\n+`)
	thoughtRegex        = regexp.MustCompile(`(?s)Thought:\s*(.*?)(?:\n\s*(?:Action|Final Answer):|$)`)
)

// splitReasoning separates tagged reasoning from model output. It returns
// the reasoning text (blocks joined by blank lines) and the output with the
// tags removed.
func splitReasoning(output string) (reasoning, rest string) {
	var parts []string
	collect := func(re *regexp.Regexp, s string) string {
		for _, m := range re.FindAllStringSubmatch(s, -1) {
			if text := strings.TrimSpace(m[1]); text != "" {
				parts = append(parts, text)
			}
		}
		return re.ReplaceAllString(s, "")
	}

	rest = collect(thinkBlockRegex, output)
	rest = collect(reasoningBlockRegex, rest)
	rest = collect(openThinkRegex, rest)

	rest = strings.TrimSpace(rest)
	rest = multiNewlineRegex.ReplaceAllString(rest, "\n\n")
	return strings.Join(parts, "\n\n"), rest
}

// thoughtOf returns the ReAct "Thought:" section of an agent log, or the
// cleaned log when it has none.
func thoughtOf(log string) string {
	reasoning, rest := splitReasoning(log)
	if m := thoughtRegex.FindStringSubmatch(rest); m != nil {
		if thought := strings.TrimSpace(m[1]); thought != "" {
			return thought
		}
	}
	if reasoning != "" {
		return reasoning
	}
	return rest
}
