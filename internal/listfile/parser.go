// Package listfile decodes list files: one object per line, either raw or as
// RFC 4180 quoted CSV with trailing comments.
package listfile

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnterminatedQuote is the cause when a quoted field never closes.
	ErrUnterminatedQuote = errors.New("EOF reached before encapsulated token finished")

	// ErrInvalidCharAfterQuote is the cause when a closing quote is followed
	// by something other than a delimiter or the end of the line.
	ErrInvalidCharAfterQuote = errors.New("invalid char between encapsulated token and delimiter")

	// ErrEmptyIdentifier is the cause when the first field is empty.
	ErrEmptyIdentifier = errors.New("empty identifier")
)

// ParseError reports a line that could not be decoded.
type ParseError struct {
	Line int64
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("list file line %d %q: %v", e.Line, e.Text, e.Err)
	}
	return fmt.Sprintf("list file line %q: %v", e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Entry is one decoded line.
type Entry struct {
	Identifier string
	// Fields holds every field, identifier first.
	Fields []string
	Line   string
	Number int64
}

// Parse decodes a single line. ok is false when the line carries no record
// (blank, or a comment in structured mode).
//
// In raw mode the whole line is the identifier, byte for byte. In structured
// mode fields are comma separated; double quotes protect commas and '#', and
// "" inside quotes is a literal quote. Outside quotes '#' starts a comment
// and \# is a literal '#'. Unquoted fields are trimmed.
func Parse(line string, raw bool) (Entry, bool, error) {
	if raw {
		if line == "" {
			return Entry{}, false, nil
		}
		return Entry{Identifier: line, Fields: []string{line}, Line: line}, true, nil
	}

	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" || trimmed[0] == '#' {
		return Entry{}, false, nil
	}

	fields, err := splitFields(line)
	if err != nil {
		return Entry{}, false, &ParseError{Text: line, Err: err}
	}
	if fields[0] == "" {
		return Entry{}, false, &ParseError{Text: line, Err: ErrEmptyIdentifier}
	}
	return Entry{Identifier: fields[0], Fields: fields, Line: line}, true, nil
}

func splitFields(line string) ([]string, error) {
	var (
		fields []string
		b      strings.Builder
		i      int
		n      = len(line)
	)
	for {
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		b.Reset()

		if i < n && line[i] == '"' {
			i++
			closed := false
			for i < n {
				c := line[i]
				if c == '"' {
					if i+1 < n && line[i+1] == '"' {
						b.WriteByte('"')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteByte(c)
				i++
			}
			if !closed {
				return nil, ErrUnterminatedQuote
			}
			fields = append(fields, b.String())
			if i == n {
				return fields, nil
			}
			if line[i] != ',' {
				return nil, fmt.Errorf("position %d: %w", i, ErrInvalidCharAfterQuote)
			}
			i++
			continue
		}

		comment := false
		for i < n {
			c := line[i]
			if c == '\\' && i+1 < n && line[i+1] == '#' {
				b.WriteByte('#')
				i += 2
				continue
			}
			if c == '#' {
				comment = true
				break
			}
			if c == ',' {
				break
			}
			b.WriteByte(c)
			i++
		}
		fields = append(fields, strings.TrimSpace(b.String()))
		if comment || i == n {
			return fields, nil
		}
		i++
	}
}
