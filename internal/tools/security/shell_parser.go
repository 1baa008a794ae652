// Package security analyzes raw shell input before the runtime runs it
// without model supervision. The direct-command path only bypasses the
// model for plain single commands; anything with chaining, subshells,
// or redirects goes through the model instead.
package security

import "strings"

// Risk categorizes a shell metacharacter.
type Risk string

const (
	RiskCommandChain Risk = "command_chain"
	RiskPipe         Risk = "pipe"
	RiskRedirect     Risk = "redirect"
	RiskSubshell     Risk = "subshell"
	RiskBackground   Risk = "background"
)

// Token is one flagged metacharacter occurrence.
type Token struct {
	Text     string `json:"token"`
	Position int    `json:"position"`
	Risk     Risk   `json:"risk"`
}

// Longest first so ">>" is not reported as two redirects and "&&" not
// as two background tokens.
var patterns = []struct {
	text string
	risk Risk
}{
	{">>", RiskRedirect},
	{"&&", RiskCommandChain},
	{"||", RiskCommandChain},
	{"$(", RiskSubshell},
	{";", RiskCommandChain},
	{"|", RiskPipe},
	{">", RiskRedirect},
	{"<", RiskRedirect},
	{"`", RiskSubshell},
	{"&", RiskBackground},
}

// Analyze scans a command for shell metacharacters outside quotes.
// Quoted text is inert: `git commit -m "a; b"` carries no risk tokens.
func Analyze(cmd string) []Token {
	if cmd == "" {
		return nil
	}
	active := unquotedPositions(cmd)

	var tokens []Token
	claimed := make([]bool, len(cmd))
	for _, pattern := range patterns {
		idx := 0
		for {
			pos := strings.Index(cmd[idx:], pattern.text)
			if pos == -1 {
				break
			}
			at := idx + pos
			idx = at + len(pattern.text)
			if claimed[at] || !active[at] {
				continue
			}
			for i := at; i < at+len(pattern.text); i++ {
				claimed[i] = true
			}
			tokens = append(tokens, Token{
				Text:     pattern.text,
				Position: at,
				Risk:     pattern.risk,
			})
		}
	}
	return tokens
}

// IsPlainCommand reports whether cmd is a single command with no
// chaining, piping, redirection, or subshells.
func IsPlainCommand(cmd string) bool {
	return len(Analyze(cmd)) == 0
}

// unquotedPositions marks the byte positions that sit outside single
// or double quotes and are not backslash-escaped.
func unquotedPositions(cmd string) []bool {
	active := make([]bool, len(cmd))
	inSingle := false
	inDouble := false
	escaped := false

	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		default:
			active[i] = !inSingle && !inDouble
		}
	}
	return active
}
