package services

import "strings"

const commandMarker = "/"

// Command is one parsed command line: the command word, its first argument
// and the rest of the line as a single argument.
type Command struct {
	Name string
	Arg  string
	Rest string
	// Args is the number of tokens after the command word.
	Args int
}

// ParseCommand splits a line starting with the command marker into at most
// three space-separated tokens. ok is false for chat text.
func ParseCommand(line string) (cmd Command, ok bool) {
	if !strings.HasPrefix(line, commandMarker) {
		return Command{}, false
	}
	parts := strings.SplitN(line, " ", 3)
	cmd.Name = parts[0]
	cmd.Args = len(parts) - 1
	if len(parts) > 1 {
		cmd.Arg = parts[1]
	}
	if len(parts) > 2 {
		cmd.Rest = parts[2]
	}
	return cmd, true
}
