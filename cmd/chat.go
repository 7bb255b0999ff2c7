package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fabfab/ragchat/chat"
	"github.com/fabfab/ragchat/llm"
	"github.com/fabfab/ragchat/prompt"
	"github.com/fabfab/ragchat/tabular"
)

var (
	userStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	topicStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

const chatHelp = `Commands:
  /csv <path>...          attach CSV files to the next question
  /mode prose|bullets     choose the answer style
  /pick <n>               follow up on topic n
  /restart                start over
  /quit                   leave`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the index in the terminal",
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	chatCfg, err := chat.NewConfig(cfg)
	if err != nil {
		return err
	}

	var render func(string) string
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err == nil {
		render = func(text string) string {
			out, renderErr := renderer.Render(text)
			if renderErr != nil {
				return text
			}
			return strings.TrimRight(out, "\n")
		}
	}

	term := newTerminal(chat.NewService(engine, chatCfg, logger), chatCfg.DefaultMode, cmd.InOrStdin(), cmd.OutOrStdout(), render)
	return term.run(ctx)
}

// terminal is the stdin/stdout chat shell. It holds exactly one session.
type terminal struct {
	svc     *chat.Service
	sess    *chat.Session
	mode    prompt.Mode
	pending []tabular.Source
	in      *bufio.Scanner
	out     io.Writer
	render  func(string) string
	printed int
}

func newTerminal(svc *chat.Service, mode prompt.Mode, in io.Reader, out io.Writer, render func(string) string) *terminal {
	if render == nil {
		render = func(text string) string { return text }
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	return &terminal{
		svc:    svc,
		sess:   chat.NewSession("terminal"),
		mode:   mode,
		in:     scanner,
		out:    out,
		render: render,
	}
}

func (t *terminal) run(ctx context.Context) error {
	t.svc.Start(t.sess)
	fmt.Fprintln(t.out, hintStyle.Render(chatHelp))
	t.show()

	for {
		fmt.Fprint(t.out, userStyle.Render("> "))
		if !t.in.Scan() {
			fmt.Fprintln(t.out)
			return t.in.Err()
		}

		line := strings.TrimSpace(t.in.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			t.submit(ctx, line)
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(t.out, hintStyle.Render(chatHelp))
		case "/restart":
			t.svc.Restart(t.sess)
			t.pending = nil
			t.printed = 0
			t.show()
		case "/mode":
			t.setMode(fields[1:])
		case "/csv":
			t.attach(fields[1:])
		case "/pick":
			t.pick(fields[1:])
		default:
			t.fail(fmt.Errorf("unknown command %s", fields[0]))
		}
	}
}

func (t *terminal) submit(ctx context.Context, question string) {
	turn := chat.Turn{Question: question, Mode: t.mode, Uploads: t.pending}
	t.pending = nil
	if err := t.svc.Submit(ctx, t.sess, turn); err != nil {
		t.fail(err)
		return
	}
	t.show()
}

func (t *terminal) setMode(args []string) {
	if len(args) != 1 {
		t.fail(fmt.Errorf("usage: /mode prose|bullets"))
		return
	}
	mode, err := prompt.ParseMode(args[0])
	if err != nil {
		t.fail(err)
		return
	}
	t.mode = mode
	fmt.Fprintln(t.out, hintStyle.Render("mode: "+string(mode)))
}

func (t *terminal) attach(paths []string) {
	if len(paths) == 0 {
		t.fail(fmt.Errorf("usage: /csv <path>..."))
		return
	}

	sources := make([]tabular.Source, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			t.fail(fmt.Errorf("%w: %w", tabular.ErrDataUnavailable, err))
			return
		}
		sources = append(sources, tabular.Bytes(filepath.Base(path), data))
	}
	t.pending = sources
	fmt.Fprintln(t.out, hintStyle.Render(fmt.Sprintf("attached %d file(s) to the next question", len(sources))))
}

func (t *terminal) pick(args []string) {
	if len(args) != 1 {
		t.fail(fmt.Errorf("usage: /pick <n>"))
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		t.fail(fmt.Errorf("%w: %q is not a number", chat.ErrInvalidSelection, args[0]))
		return
	}
	if err := t.svc.Select(t.sess, n-1); err != nil {
		t.fail(err)
		return
	}
	t.show()
}

// show prints messages not yet on screen, then any topics on offer.
func (t *terminal) show() {
	view := t.sess.View()
	if t.printed > len(view.Messages) {
		t.printed = 0
	}

	for _, msg := range view.Messages[t.printed:] {
		switch msg.Role {
		case llm.RoleUser:
			fmt.Fprintln(t.out, userStyle.Render("you: ")+msg.Content)
		default:
			fmt.Fprintln(t.out, t.render(msg.Content))
		}
	}
	t.printed = len(view.Messages)

	if view.State == chat.StateAwaitingSelection {
		fmt.Fprintln(t.out, hintStyle.Render("Follow up with /pick <n>:"))
		for i, topic := range view.Topics {
			fmt.Fprintln(t.out, topicStyle.Render(fmt.Sprintf("  %d. %s", i+1, topic)))
		}
	}
}

func (t *terminal) fail(err error) {
	fmt.Fprintln(t.out, errorStyle.Render("error: "+err.Error()))
}
