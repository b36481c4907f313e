package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/instep-io/instep/pkg/schema"
	"github.com/mattn/go-runewidth"
)

// ReadlineConfirmer prompts interactively before running an opt-in step.
// Anything other than y/yes declines. EOF or ^C also decline, so plans
// piped through non-interactive shells never hang on consent.
type ReadlineConfirmer struct{}

func (c *ReadlineConfirmer) Confirm(step schema.Step) (bool, error) {
	title := step.Title
	if title == "" {
		title = step.ID
	}
	fmt.Printf("\n  Opt-in step: %s\n", runewidth.Truncate(title, 70, "..."))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "  Run this step? [y/N] ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return false, fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	line, err := rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt || err == io.EOF {
			return false, nil
		}
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
