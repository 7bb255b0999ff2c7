package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/ragchat/tabular"
)

func TestComposeWithoutTable(t *testing.T) {
	c := Composer{Language: "Japanese"}
	question := "Why does pump A overheat?"

	for _, mode := range []Mode{ModeProse, ModeBullets} {
		got := c.Compose(question, nil, mode)
		assert.Equal(t, question+c.Suffix(mode), got)
		assert.NotContains(t, got, TableIntro)
	}
}

func TestComposeIsDeterministic(t *testing.T) {
	c := Composer{}
	table := &tabular.Table{Columns: []string{"machine"}, Rows: [][]string{{"P-101"}}}
	assert.Equal(t,
		c.Compose("q", table, ModeBullets),
		c.Compose("q", table, ModeBullets))
}

func TestComposeWithTable(t *testing.T) {
	c := Composer{Language: "English"}
	table := &tabular.Table{
		Columns: []string{"machine", "symptom"},
		Rows:    [][]string{{"P-101", "overheat"}},
	}

	got := c.Compose("What is wrong?", table, ModeBullets)

	require.True(t, strings.HasPrefix(got, "What is wrong?\n\n"+TableIntro))
	assert.Contains(t, got, table.Markdown())
	assert.True(t, strings.HasSuffix(got, "Answer politely in English."))
	assert.Less(t, strings.Index(got, table.Markdown()), strings.Index(got, bulletDirective))
}

func TestSuffix(t *testing.T) {
	c := Composer{}
	assert.Equal(t, "\n\nAnswer politely in Japanese.", c.Suffix(ModeProse))
	assert.Equal(t,
		"\n\nProduce multiple bullet points of causes and remedies only. Start each bullet point with \"-\".\nAnswer politely in Japanese.",
		c.Suffix(ModeBullets))
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":          ModeProse,
		"prose":     ModeProse,
		" Bullets ": ModeBullets,
	}
	for input, want := range cases {
		got, err := ParseMode(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}

	_, err := ParseMode("haiku")
	assert.ErrorContains(t, err, "haiku")
}
