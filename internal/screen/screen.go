// Package screen rejects source text that plainly asks for operations the
// playground never allows, such as spawning processes or opening sockets.
//
// The check is textual. String concatenation, macros or alternate spellings
// get past it, so it only exists to fail obvious submissions fast. Isolation
// of the running program is the job of the sandbox wrapper, not this package.
package screen

import (
	"regexp"

	"github.com/Mirai3103/playground-runner/internal/models"
)

// Rule is one forbidden pattern and the reason shown to the user.
type Rule struct {
	Pattern *regexp.Regexp
	Reason  string
}

// DefaultRules are evaluated in order; the first match wins.
var DefaultRules = []Rule{
	{regexp.MustCompile(`system\s*\(`), "system() calls are not allowed."},
	{regexp.MustCompile(`fork\s*\(`), "Process creation (fork) is not allowed."},
	{regexp.MustCompile(`exec(l|lp|le|v|vp|vpe)?\s*\(`), "Executing other binaries is not allowed."},
	{regexp.MustCompile(`popen\s*\(`), "Command pipes (popen) are not allowed."},
	{regexp.MustCompile(`<sys/socket\.h>`), "Network access (sockets) is blocked."},
	{regexp.MustCompile(`<netinet/in\.h>`), "Network access is blocked."},
}

// Screener runs a fixed rule list. It holds no mutable state and is safe for
// concurrent use.
type Screener struct {
	rules []Rule
}

// New returns a Screener over rules, or DefaultRules when none are given.
func New(rules ...Rule) *Screener {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Screener{rules: rules}
}

// Screen returns the reason of the first rule source violates.
func (s *Screener) Screen(source string) (reason string, blocked bool) {
	for _, rule := range s.rules {
		if rule.Pattern.MatchString(source) {
			return rule.Reason, true
		}
	}
	return "", false
}

// ScreenFiles screens every file and stops at the first violation.
func (s *Screener) ScreenFiles(files []models.SubmittedFile) (reason string, blocked bool) {
	for _, f := range files {
		if reason, blocked = s.Screen(f.Content); blocked {
			return reason, true
		}
	}
	return "", false
}

// Notice is the text shown to the user when a submission is refused.
func Notice(reason string) string {
	return "[security] " + reason + "\nThis environment is a sandbox for educational use."
}
