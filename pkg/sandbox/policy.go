package sandbox

import (
	"fmt"
	"strings"
)

// CommandPolicy rejects destructive shell commands before they run.
// Matching is case-insensitive and whitespace-normalized, and applies to
// every segment of a compound command (;, &&, ||, |, &, newline).
type CommandPolicy struct {
	extraPrefixes []string
}

// NewCommandPolicy returns the default policy plus optional extra prefixes.
func NewCommandPolicy(extraPrefixes ...string) *CommandPolicy {
	p := &CommandPolicy{}
	for _, prefix := range extraPrefixes {
		if n := normalize(prefix); n != "" {
			p.extraPrefixes = append(p.extraPrefixes, n)
		}
	}
	return p
}

// Check returns an error wrapping ErrCommandDenied when cmd is blocked.
func (p *CommandPolicy) Check(cmd string) error {
	normalized := normalize(cmd)
	if normalized == "" {
		return fmt.Errorf("%w: empty command", ErrCommandDenied)
	}

	compact := strings.Join(strings.Fields(normalized), "")
	if strings.Contains(compact, ":(){:|:&};:") {
		return fmt.Errorf("%w: fork bomb", ErrCommandDenied)
	}

	for _, segment := range splitSegments(normalized) {
		if reason := p.checkSegment(segment); reason != "" {
			return fmt.Errorf("%w: %s", ErrCommandDenied, reason)
		}
	}
	return nil
}

func (p *CommandPolicy) checkSegment(segment string) string {
	for _, prefix := range p.extraPrefixes {
		if segment == prefix || strings.HasPrefix(segment, prefix+" ") {
			return "blocked by policy: " + prefix
		}
	}

	tokens := strings.Fields(segment)
	for len(tokens) > 0 && (tokens[0] == "sudo" || tokens[0] == "doas" || tokens[0] == "exec" || tokens[0] == "nohup") {
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return ""
	}

	name := tokens[0]
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	args := tokens[1:]

	switch {
	case name == "rm":
		if hasArg(args, "--no-preserve-root") {
			return "recursive delete of root"
		}
		if isRecursive(args) && targetsRoot(args) {
			return "recursive delete of root"
		}
	case strings.HasPrefix(name, "mkfs"):
		return "filesystem format"
	case name == "dd":
		for _, a := range args {
			if strings.HasPrefix(a, "of=/dev/") {
				return "raw device write"
			}
			if a == "if=/dev/zero" || a == "if=/dev/random" || a == "if=/dev/urandom" {
				return "raw device copy"
			}
		}
	case name == "shutdown" || name == "reboot" || name == "halt" || name == "poweroff":
		return "system power control"
	case name == "init" && len(args) > 0 && (args[0] == "0" || args[0] == "6"):
		return "system power control"
	case name == "systemctl" && len(args) > 0 && (args[0] == "poweroff" || args[0] == "reboot" || args[0] == "halt"):
		return "system power control"
	case name == "chmod" || name == "chown":
		if isRecursive(args) && targetsRoot(args) {
			return "recursive permission change on root"
		}
	}

	if strings.Contains(segment, "> /dev/sd") || strings.Contains(segment, ">/dev/sd") {
		return "raw device write"
	}
	return ""
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func splitSegments(s string) []string {
	replacer := strings.NewReplacer("&&", "\n", "||", "\n", ";", "\n", "|", "\n", "&", "\n")
	var out []string
	for _, part := range strings.Split(replacer.Replace(s), "\n") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func isRecursive(args []string) bool {
	for _, a := range args {
		if a == "--recursive" {
			return true
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.Contains(a, "r") {
			return true
		}
	}
	return false
}

func targetsRoot(args []string) bool {
	for _, a := range args {
		if a == "/" || a == "/*" || a == "/." {
			return true
		}
	}
	return false
}
