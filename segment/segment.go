// Package segment turns a bullet style answer into follow-up topics.
//
// The split is a literal one on '-'. Hyphenated words and numeric ranges
// ("2-3 days") produce extra fragments; nothing tries to tell them apart
// from real bullets.
package segment

import (
	"fmt"
	"strings"
)

const (
	Delimiter = "-"

	DefaultSummaryTemplate = "Selected topic: %s"
)

// Result is either plain prose (Topics empty) or a list of topics the user
// can pick exactly one of.
type Result struct {
	Prose  string
	Topics []string
}

func (r Result) HasTopics() bool {
	return len(r.Topics) > 0
}

// Split cuts text on every delimiter. Fragments keep their surrounding
// whitespace.
func Split(text string) []string {
	return strings.Split(text, Delimiter)
}

// Segment classifies a response. A single fragment is prose. Otherwise the
// text before the first delimiter is dropped and the remaining non-blank
// fragments become topics, in order.
func Segment(text string) Result {
	fragments := Split(text)
	if len(fragments) <= 1 {
		return Result{Prose: text}
	}

	topics := make([]string, 0, len(fragments)-1)
	for _, fragment := range fragments[1:] {
		fragment = strings.TrimSpace(fragment)
		if fragment == "" {
			continue
		}
		topics = append(topics, fragment)
	}
	if len(topics) == 0 {
		return Result{Prose: text}
	}
	return Result{Prose: text, Topics: topics}
}

// Summary renders the assistant message recorded when topic is picked.
// template holds a single %s verb; an empty template uses the default.
func Summary(template, topic string) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultSummaryTemplate
	}
	if !strings.Contains(template, "%s") {
		return template + " " + topic
	}
	return fmt.Sprintf(template, topic)
}
