package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/ragchat/chat"
	"github.com/fabfab/ragchat/index"
	"github.com/fabfab/ragchat/prompt"
)

type scriptedHandle struct {
	answers []string
	prompts []string
}

func (h *scriptedHandle) Query(_ context.Context, text string) (index.Response, error) {
	h.prompts = append(h.prompts, text)
	answer := h.answers[0]
	if len(h.answers) > 1 {
		h.answers = h.answers[1:]
	}
	return index.Response{Answer: answer}, nil
}

func runTerminal(t *testing.T, handle index.QueryHandle, script string) string {
	t.Helper()
	svc := chat.NewService(handle, chat.Config{
		SystemPrompt: "system",
		Greeting:     "Welcome!",
		Language:     "English",
	}, nil)

	var out bytes.Buffer
	term := newTerminal(svc, prompt.ModeProse, strings.NewReader(script), &out, nil)
	require.NoError(t, term.run(context.Background()))
	return out.String()
}

func TestTerminalConversation(t *testing.T) {
	handle := &scriptedHandle{answers: []string{"Causes:-filter-coolant"}}

	out := runTerminal(t, handle, strings.Join([]string{
		"/mode bullets",
		"Why does it overheat?",
		"/pick 2",
		"/pick 1",
		"/restart",
		"/quit",
		"never sent",
	}, "\n"))

	assert.Contains(t, out, "Welcome!")
	assert.Contains(t, out, "mode: bullets")
	assert.Contains(t, out, "1. filter")
	assert.Contains(t, out, "2. coolant")
	assert.Contains(t, out, "Selected topic: coolant")
	assert.Contains(t, out, "invalid selection")
	assert.Equal(t, 2, strings.Count(out, "Welcome!"))

	require.Len(t, handle.prompts, 1)
	assert.True(t, strings.HasPrefix(handle.prompts[0], "Why does it overheat?"))
	assert.Contains(t, handle.prompts[0], "bullet points")
}

func TestTerminalAttachesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faults.csv")
	require.NoError(t, os.WriteFile(path, []byte("report\nexported\nmachine,symptom\nP-101,overheat\n"), 0o600))
	handle := &scriptedHandle{answers: []string{"Plain answer."}}

	out := runTerminal(t, handle, strings.Join([]string{
		"/csv " + path,
		"What happened?",
		"/csv " + filepath.Join(t.TempDir(), "missing.csv"),
	}, "\n"))

	assert.Contains(t, out, "attached 1 file(s)")
	assert.Contains(t, out, "Plain answer.")
	assert.Contains(t, out, "data unavailable")
	require.Len(t, handle.prompts, 1)
	assert.Contains(t, handle.prompts[0], "| 0 | P-101 | overheat |")
}

func TestTerminalRejectsBadInput(t *testing.T) {
	out := runTerminal(t, &scriptedHandle{answers: []string{"ok"}}, strings.Join([]string{
		"/mode haiku",
		"/pick x",
		"/dance",
		"/csv",
	}, "\n"))

	assert.Contains(t, out, `unknown answer mode "haiku"`)
	assert.Contains(t, out, `"x" is not a number`)
	assert.Contains(t, out, "unknown command /dance")
	assert.Contains(t, out, "usage: /csv")
}
