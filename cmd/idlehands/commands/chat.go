package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/visorcraft/idlehands/pkg/idlehands/engine"
)

// newChatCmd creates the `idlehands chat` command for interactive or
// single-shot conversations with the turn engine.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [instruction]",
		Short: "Talk to the agent via the terminal",
		Long: `Run one instruction through the agent turn engine, or start an
interactive REPL (chzyer/readline-backed, with history) when no
instruction is given.

Examples:
  idlehands chat "list the files in this repo"
  idlehands chat                      # interactive REPL`,
		Args: cobra.ArbitraryArgs,
		RunE: runChat,
	}
	cmd.Flags().StringP("model", "m", "", "override the configured model")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	dataDir := stateDir(cwd)

	rt, err := buildRuntime(cmd, cwd)
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		rt.cfg.Model = model
	}

	lock, err := engine.AcquireSessionLock(dataDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	session := rt.sessions.GetOrCreate("cli", "terminal")

	turns := 0

	if len(args) > 0 {
		text, err := askOnce(cmd.Context(), rt, session, strings.Join(args, " "))
		if err != nil {
			return err
		}
		turns++
		saveChatAutosave(dataDir, rt, session, cwd, turns)
		fmt.Println(text)
		return nil
	}

	return runInteractiveChat(cmd.Context(), rt, session, dataDir, cwd, &turns)
}

// saveChatAutosave snapshots the session's recent history into
// autosave.json {messages, model, harness, cwd, turns,
// toolCalls, savedAt, pid} shape. Failures are logged, not fatal — losing
// an autosave write must never interrupt the conversation.
func saveChatAutosave(dataDir string, rt *runtime, session *engine.Session, cwd string, turns int) {
	history := session.RecentHistory(50)
	messages := make([]engine.AutosaveMessage, 0, len(history))
	for _, h := range history {
		messages = append(messages, engine.AutosaveMessage{
			User:      h.UserMessage,
			Assistant: h.AssistantResponse,
			Timestamp: h.Timestamp,
		})
	}

	state := engine.AutosaveState{
		Messages:  messages,
		Model:     rt.cfg.Model,
		Harness:   rt.selectHarness(rt.cfg.Model).ID,
		Cwd:       cwd,
		Turns:     turns,
		ToolCalls: rt.ToolCalls(),
	}
	if err := engine.SaveAutosave(dataDir, state); err != nil {
		rt.logger.Warn("autosave failed", "error", err)
	}
}

// askOnce composes the system prompt for the current session state and
// drives one AgentRun turn loop to completion.
func askOnce(ctx context.Context, rt *runtime, session *engine.Session, input string) (string, error) {
	ctx = engine.ContextWithSession(ctx, session.ID)
	ctx = engine.ContextWithProgressSender(ctx, func(_ context.Context, message string) {
		fmt.Println()
		fmt.Println(message)
	})

	systemPrompt := rt.prompt.Compose(session, input)
	run := rt.newAgentRunFor(input)

	text, _, err := run.RunWithUsage(ctx, systemPrompt, session.RecentHistory(50), input)
	if err != nil {
		return "", err
	}
	session.AddMessage(input, text)
	return text, nil
}

// runInteractiveChat runs a readline-backed REPL with command history and
// line editing instead of a plain bufio reader.
func runInteractiveChat(ctx context.Context, rt *runtime, session *engine.Session, dataDir, cwd string, turns *int) error {
	historyFile := filepath.Join(dataDir, "chat_history")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "bye!",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Println()
	fmt.Printf("  %s — interactive chat (model: %s)\n", rt.cfg.Name, rt.cfg.Model)
	fmt.Println("  /quit to exit, /clear to reset, /tools to list tools, /model to show the model.")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		} else if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "/quit", "/exit", "/q":
			fmt.Println("bye!")
			return nil
		case "/clear", "/reset":
			session.ClearHistory()
			fmt.Println("  [conversation cleared]")
			continue
		case "/tools":
			names := rt.executor.ToolNames()
			fmt.Printf("  [%d tools available]\n", len(names))
			for _, n := range names {
				fmt.Printf("    - %s\n", n)
			}
			continue
		case "/model":
			fmt.Printf("  model: %s\n  api:   %s\n", rt.cfg.Model, rt.cfg.API.BaseURL)
			continue
		}

		if engine.IsCommand(input) {
			if result := rt.commands.Handle(session.ID, input); result.Handled {
				fmt.Printf("  %s\n", result.Response)
				continue
			}
		}

		text, err := askOnce(ctx, rt, session, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  [error] %v\n", err)
			continue
		}
		*turns++
		saveChatAutosave(dataDir, rt, session, cwd, *turns)
		fmt.Println()
		fmt.Printf("%s> %s\n\n", rt.cfg.Name, text)
	}
	return nil
}

// stateDir resolves the per-project persisted-state directory: env override,
// then XDG_STATE_HOME, then a .idlehands directory under cwd.
func stateDir(cwd string) string {
	dir := filepath.Join(cwd, ".idlehands")
	if v := os.Getenv("IDLEHANDS_STATE_DIR"); v != "" {
		dir = v
	} else if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		dir = filepath.Join(xdg, "idlehands")
	}
	_ = os.MkdirAll(dir, 0o700)
	return dir
}
