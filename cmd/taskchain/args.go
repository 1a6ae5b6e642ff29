package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Swind/go-task-chain/process"
)

var errUnterminatedQuote = errors.New("unterminated quote")

// parseCommand turns one command-line argument into a Command. Words are
// split on whitespace; single quotes keep text literally, double quotes allow
// backslash escapes. No shell expansion happens.
func parseCommand(line string) (process.Command, error) {
	words, err := splitCommandLine(line)
	if err != nil {
		return process.Command{}, fmt.Errorf("parse %q: %w", line, err)
	}
	if len(words) == 0 {
		return process.Command{}, fmt.Errorf("parse %q: %w", line, process.ErrEmptyCommand)
	}
	return process.Command{Path: words[0], Args: words[1:]}, nil
}

func splitCommandLine(line string) ([]string, error) {
	var (
		words   []string
		current strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				current.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inWord = true
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, errUnterminatedQuote
	}
	if inWord {
		words = append(words, current.String())
	}
	return words, nil
}
