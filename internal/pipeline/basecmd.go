package pipeline

import (
	"regexp"
	"strings"
)

var envAssignRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=.*$`)

// splitChainRe cuts a command line at the first && or ; chain operator.
var splitChainRe = regexp.MustCompile(`\s*(?:&&|;)\s*`)

// BaseCommand derives the leading real command from a history line: the
// first token of the first chain segment, after skipping NAME=value
// environment assignments and a single leading sudo. Comments, blanks, and
// lines that reduce to nothing return "".
func BaseCommand(fullCmd string) string {
	s := strings.TrimSpace(fullCmd)
	if s == "" || strings.HasPrefix(s, "#") {
		return ""
	}

	seg := s
	if loc := splitChainRe.FindStringIndex(s); loc != nil {
		seg = strings.TrimSpace(s[:loc[0]])
	}
	if seg == "" {
		return ""
	}

	toks := strings.Fields(seg)
	if len(toks) == 0 {
		return ""
	}

	// Assignments and sudo may interleave ("sudo FOO=1 cmd", "FOO=1 sudo cmd");
	// keep skipping until a real token, but only one sudo.
	i := 0
	sudoSkipped := false
	for i < len(toks) {
		if envAssignRe.MatchString(toks[i]) {
			i++
			continue
		}
		if !sudoSkipped && toks[i] == "sudo" && i+1 < len(toks) {
			sudoSkipped = true
			i++
			continue
		}
		break
	}
	if i >= len(toks) {
		return ""
	}
	return toks[i]
}
