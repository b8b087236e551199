// Package lexer splits a single command line into an argv vector.
//
// The grammar is deliberately smaller than a shell: single quotes are
// literal, double quotes honour the POSIX backslash escapes, and a bare
// backslash outside quotes is an ordinary character (so Windows paths
// survive). Anything that would make a shell do more than exec one
// program is rejected.
package lexer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedCommand is returned for empty input or an unterminated quote.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrShellMetacharacter is returned when an unquoted shell operator appears.
	ErrShellMetacharacter = errors.New("shell metacharacter")
)

// doubleQuoteEscapable lists the characters a backslash may escape inside
// double quotes. Any other backslash is kept literally.
const doubleQuoteEscapable = "$`\"\\\n"

type state int

const (
	stateBare state = iota
	stateSingle
	stateDouble
)

// Tokenize lexes line into argv. Empty tokens (e.g. "") are dropped.
//
// Quote termination is checked before metacharacters so that an
// unterminated quote is always reported as ErrMalformedCommand, whatever
// else the line contains.
func Tokenize(line string) ([]string, error) {
	var (
		argv    []string
		cur     strings.Builder
		inToken bool
		st      = stateBare
		quoteAt int
		metaErr error
	)

	flush := func() {
		if inToken && cur.Len() > 0 {
			argv = append(argv, cur.String())
		}
		cur.Reset()
		inToken = false
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch st {
		case stateSingle:
			if r == '\'' {
				st = stateBare
				continue
			}
			cur.WriteRune(r)

		case stateDouble:
			switch {
			case r == '"':
				st = stateBare
			case r == '\\' && i+1 < len(runes) && strings.ContainsRune(doubleQuoteEscapable, runes[i+1]):
				i++
				cur.WriteRune(runes[i])
			default:
				cur.WriteRune(r)
			}

		default:
			switch r {
			case ' ', '\t':
				flush()
			case '\'':
				st, quoteAt, inToken = stateSingle, i, true
			case '"':
				st, quoteAt, inToken = stateDouble, i, true
			case '|', '&', ';', '`', '>', '<', '(', ')', '\n', '\r':
				if metaErr == nil {
					metaErr = fmt.Errorf("%w: %q at offset %d", ErrShellMetacharacter, r, i)
				}
				inToken = true
				cur.WriteRune(r)
			case '$':
				if i+1 < len(runes) && runes[i+1] == '(' && metaErr == nil {
					metaErr = fmt.Errorf("%w: \"$(\" at offset %d", ErrShellMetacharacter, i)
				}
				inToken = true
				cur.WriteRune(r)
			default:
				inToken = true
				cur.WriteRune(r)
			}
		}
	}

	if st != stateBare {
		quote := '\''
		if st == stateDouble {
			quote = '"'
		}
		return nil, fmt.Errorf("%w: unterminated %c quote at offset %d", ErrMalformedCommand, quote, quoteAt)
	}
	if metaErr != nil {
		return nil, metaErr
	}

	flush()
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrMalformedCommand)
	}
	return argv, nil
}
