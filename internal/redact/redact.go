// Package redact scrubs secrets from child-process output and environment
// listings before they reach logs or error messages.
package redact

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// pemPattern matches PEM key blocks across multiple lines.
var pemPattern = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+KEY-----.*?-----END [A-Z ]+KEY-----`)

// patterns holds single-line secret-detection regexes in priority order.
var patterns = []*regexp.Regexp{
	// AWS access key IDs
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// API secret keys, word-boundary aware
	regexp.MustCompile(`(?:^|\s|["'])sk-[a-zA-Z0-9]{20,}`),
	// JWT tokens (three base64url segments)
	regexp.MustCompile(`eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`),
	// Bearer tokens; require minimum 20-char token to avoid false positives
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`),
	// Inline password assignments
	regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
	// Secret-looking environment assignments echoed by build scripts
	regexp.MustCompile(`(?i)\b[A-Z0-9_]*(?:KEY|TOKEN|SECRET)[A-Z0-9_]*=\S+`),
}

// secretEnv matches environment variable names whose values are hidden.
var secretEnv = regexp.MustCompile(`(?i)(KEY|TOKEN|SECRET|PASSWORD|CREDENTIAL)`)

// Redact replaces known secret patterns in input with [REDACTED].
// Line structure is preserved: the number of newlines in the output
// always equals the number of newlines in the input.
func Redact(input string) string {
	// Replace each line of a PEM block individually so that line count is
	// preserved.
	input = pemPattern.ReplaceAllStringFunc(input, func(match string) string {
		lines := strings.Split(match, "\n")
		for i := range lines {
			lines[i] = redacted
		}
		return strings.Join(lines, "\n")
	})

	for _, re := range patterns {
		input = re.ReplaceAllString(input, redacted)
	}
	return input
}

// Literal replaces every occurrence of each non-empty secret in input.
func Literal(input string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		input = strings.ReplaceAll(input, s, redacted)
	}
	return input
}

// Tail returns the last n lines of output, redacted.
func Tail(output []byte, n int) string {
	s := strings.TrimRight(string(output), "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return Redact(strings.Join(lines, "\n"))
}

// Env returns a copy of env with the values of secret-looking variables
// replaced.
func Env(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if ok && secretEnv.MatchString(name) {
			out[i] = name + "=" + redacted
			continue
		}
		out[i] = kv
	}
	return out
}
