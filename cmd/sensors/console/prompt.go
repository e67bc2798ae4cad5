package console

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"
)

// Confirm asks a yes/no question on the terminal. An empty answer selects def; anything
// but y or yes counts as no.
func Confirm(question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	rl, err := readline.New(fmt.Sprintf("%s %s: ", question, hint))
	if err != nil {
		return false, err
	}
	defer rl.Close()
	answer, err := rl.Readline()
	if err != nil {
		return false, err
	}
	return parseAnswer(answer, def), nil
}

func parseAnswer(answer string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "":
		return def
	case "y", "yes":
		return true
	default:
		return false
	}
}
