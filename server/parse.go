package server

import (
	"strings"
	"unicode"
)

// parseCommand splits a control line into its verb and argument.
//
// Leading whitespace is skipped, the verb runs up to the first whitespace
// and is upper-cased, and the argument is whatever follows the whitespace
// run after the verb, kept verbatim. A blank line yields an empty verb.
func parseCommand(line string) (verb, arg string) {
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	if line == "" {
		return "", ""
	}

	end := strings.IndexFunc(line, unicode.IsSpace)
	if end < 0 {
		return strings.ToUpper(line), ""
	}

	verb = strings.ToUpper(line[:end])
	arg = strings.TrimLeftFunc(line[end:], unicode.IsSpace)
	return verb, arg
}
