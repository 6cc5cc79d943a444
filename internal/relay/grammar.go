package relay

import (
	"regexp"
	"strings"
)

// directedMessage is a parsed "who << message" line. Body has already had a
// single leading space stripped.
type directedMessage struct {
	Who  string
	Body string
}

// parseDirected splits a line containing '<' into its target and body. The
// target is everything before the first '<', trimmed of surrounding spaces.
// The body is everything after the run of '<' characters, with at most one
// leading space removed.
func parseDirected(line string) directedMessage {
	idx := strings.IndexByte(line, '<')
	who := strings.TrimSpace(line[:idx])

	rest := line[idx:]
	i := 0
	for i < len(rest) && rest[i] == '<' {
		i++
	}
	body := rest[i:]
	body = strings.TrimPrefix(body, " ")

	return directedMessage{Who: who, Body: body}
}

// isWildcard reports whether who should be treated as a broadcast pattern.
func isWildcard(who string) bool {
	return strings.ContainsAny(who, "*?")
}

// compileWildcard turns a chat wildcard pattern ('*' and '?' glob-style) into
// an anchored, full-match regular expression.
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	escaped := strings.ReplaceAll(pattern, ".", `\.`)
	escaped = strings.ReplaceAll(escaped, "*", ".*")
	escaped = strings.ReplaceAll(escaped, "?", ".")
	return regexp.Compile("^" + escaped + "$")
}

// commandLine is a parsed non-directed line: a leading whitespace-delimited
// command token and its first argument token.
type commandLine struct {
	Cmd string
	Arg string
}

func parseCommand(line string) commandLine {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return commandLine{}
	}
	cmd := fields[0]
	// Only the first argument token is kept; any further tokens are
	// dropped. All of name/who/protocol take at most one token of argument.
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	return commandLine{Cmd: cmd, Arg: arg}
}
