package prompt

import (
	"fmt"
	"strings"

	"github.com/fabfab/ragchat/tabular"
)

type Mode string

const (
	ModeProse   Mode = "prose"
	ModeBullets Mode = "bullets"
)

const (
	DefaultLanguage = "Japanese"

	TableIntro      = "Use the following table as additional data. It is written in Markdown."
	bulletDirective = "Produce multiple bullet points of causes and remedies only. Start each bullet point with \"-\"."
)

// ParseMode maps a user supplied mode name to a Mode. An empty string is
// prose.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeProse:
		return ModeProse, nil
	case ModeBullets:
		return ModeBullets, nil
	default:
		return "", fmt.Errorf("unknown answer mode %q (want %s or %s)", value, ModeProse, ModeBullets)
	}
}

// Composer builds the text handed to the query engine for a turn.
type Composer struct {
	Language string
}

func (c Composer) language() string {
	if strings.TrimSpace(c.Language) == "" {
		return DefaultLanguage
	}
	return c.Language
}

// Compose appends the table, when present, and the fixed instructions to
// the question. The question is passed through untouched.
func (c Composer) Compose(question string, table *tabular.Table, mode Mode) string {
	var sb strings.Builder
	sb.WriteString(question)
	if table != nil && len(table.Columns) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(TableIntro)
		sb.WriteString("\n\n")
		sb.WriteString(table.Markdown())
	}
	sb.WriteString(c.Suffix(mode))
	return sb.String()
}

// Suffix is the instruction block closing every prompt.
func (c Composer) Suffix(mode Mode) string {
	var sb strings.Builder
	sb.WriteString("\n\n")
	if mode == ModeBullets {
		sb.WriteString(bulletDirective)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Answer politely in %s.", c.language())
	return sb.String()
}
