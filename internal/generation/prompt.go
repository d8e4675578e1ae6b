package generation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ashureev/assessment-agent/internal/history"
)

const systemPrompt = `You are a compliance assessor interviewing an organization.
Ask exactly one concise question at a time. Do not number it, do not add commentary,
and never repeat a question that was already asked.`

var listMarker = regexp.MustCompile(`^(?:\d+[.)]|[-*#>]+)\s*`)

// maxPriorAnswers bounds how much conversation is replayed to the generator.
const maxPriorAnswers = 10

// Hint carries the context the generator needs for the next question.
type Hint struct {
	FrameworkID   string
	FrameworkName string
	PriorAnswers  []history.AnsweredQuestion
	Remaining     int
	// Avoid lists questions a previous candidate collided with.
	Avoid   []string
	Profile map[string]string
}

// BuildPrompt renders a hint into a prompt.
func BuildPrompt(h Hint) Prompt {
	var b strings.Builder

	name := h.FrameworkName
	if name == "" {
		name = h.FrameworkID
	}
	fmt.Fprintf(&b, "Framework: %s (%s)\n", name, h.FrameworkID)

	if len(h.Profile) > 0 {
		keys := make([]string, 0, len(h.Profile))
		for k := range h.Profile {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Organization profile:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, h.Profile[k])
		}
	}

	prior := h.PriorAnswers
	if len(prior) > maxPriorAnswers {
		prior = prior[len(prior)-maxPriorAnswers:]
	}
	if len(prior) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, qa := range prior {
			fmt.Fprintf(&b, "Q%d: %s\nA%d: %s\n", qa.QuestionID, qa.Question, qa.QuestionID, qa.Answer)
		}
	}

	if len(h.Avoid) > 0 {
		b.WriteString("Do not ask anything similar to:\n")
		for _, q := range h.Avoid {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}

	if h.Remaining > 0 {
		fmt.Fprintf(&b, "About %d questions remain in this assessment.\n", h.Remaining)
	}
	b.WriteString("Ask the next question.")

	return Prompt{System: systemPrompt, User: b.String()}
}

// ParseQuestion extracts a single question from raw generator output.
func ParseQuestion(raw string) string {
	var first string
	for _, line := range strings.Split(raw, "\n") {
		line = cleanLine(line)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "?") {
			return line
		}
		if first == "" {
			first = line
		}
	}
	return first
}

func cleanLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	line = listMarker.ReplaceAllString(line, "")
	for _, prefix := range []string{"Question:", "Q:", "question:"} {
		line = strings.TrimPrefix(line, prefix)
	}
	return strings.Trim(strings.TrimSpace(line), "\"'`")
}
