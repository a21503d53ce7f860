// Package sanitize redacts secrets from strings before they are logged or
// persisted. Patterns are fixed and compiled once at package init; each
// replacement keeps the token's public prefix and never introduces quotes or
// newlines, so JSON containing redacted values stays valid JSON.
package sanitize

import "regexp"

// Redacted is the marker substituted for secret material.
const Redacted = "[REDACTED]"

// compiledPattern pairs a pre-compiled regex with its replacement.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// patterns is the ordered redaction list. Order matters: specific token
// prefixes run before the generic named-assignment sweep so that e.g. a
// GitHub token assigned to a field is caught by the prefix rule first.
var patterns = []compiledPattern{
	{
		name:        "oauth_bearer",
		regex:       regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`),
		replacement: "Bearer " + Redacted,
	},
	{
		name:        "linear_api_key",
		regex:       regexp.MustCompile(`lin_api_[A-Za-z0-9]+`),
		replacement: "lin_api_" + Redacted,
	},
	{
		name:        "anthropic_api_key",
		regex:       regexp.MustCompile(`sk-ant-[A-Za-z0-9\-_]+`),
		replacement: "sk-ant-" + Redacted,
	},
	{
		name:        "github_classic_token",
		regex:       regexp.MustCompile(`ghp_[A-Za-z0-9]+`),
		replacement: "ghp_" + Redacted,
	},
	{
		name:        "github_fine_grained_token",
		regex:       regexp.MustCompile(`github_pat_[A-Za-z0-9_]+`),
		replacement: "github_pat_" + Redacted,
	},
	{
		name:        "github_oauth_token",
		regex:       regexp.MustCompile(`gho_[A-Za-z0-9]+`),
		replacement: "gho_" + Redacted,
	},
	{
		name:        "github_user_token",
		regex:       regexp.MustCompile(`ghu_[A-Za-z0-9]+`),
		replacement: "ghu_" + Redacted,
	},
	{
		name:        "github_server_token",
		regex:       regexp.MustCompile(`ghs_[A-Za-z0-9]+`),
		replacement: "ghs_" + Redacted,
	},
	{
		name:        "aws_access_key",
		regex:       regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		replacement: "AKIA" + Redacted,
	},
	{
		name: "stripe_key",
		// Live and test secret/restricted/publishable key families.
		regex:       regexp.MustCompile(`(sk|rk|pk)_(live|test)_[A-Za-z0-9]+`),
		replacement: "${1}_${2}_" + Redacted,
	},
	{
		name:        "slack_webhook_path",
		regex:       regexp.MustCompile(`hooks\.slack\.com/services/[A-Za-z0-9/_\-]+`),
		replacement: "hooks.slack.com/services/" + Redacted,
	},
	{
		name:        "npm_token",
		regex:       regexp.MustCompile(`npm_[A-Za-z0-9]+`),
		replacement: "npm_" + Redacted,
	},
	{
		name: "named_assignment",
		// Replaces only the value so JSON key/quote structure survives.
		regex:       regexp.MustCompile(`(?i)(password|secret|api_key|token)("?\s*[:=]\s*"?)([^\s,;"'{}\[\]]+)`),
		replacement: "${1}${2}" + Redacted,
	},
}

// Message applies every redaction pattern, in order, to s.
func Message(s string) string {
	if s == "" {
		return s
	}
	for _, p := range patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}
