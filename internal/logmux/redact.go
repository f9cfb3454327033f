package logmux

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

// Assignments to these keys have their values masked in job output.
var secretKeys = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AZURE_CLIENT_SECRET",
	"GCP_SERVICE_ACCOUNT_KEY",
	"DATABASE_PASSWORD",
	"DB_PASSWORD",
	"POSTGRES_PASSWORD",
	"REDIS_PASSWORD",
	"API_KEY",
	"ACCESS_TOKEN",
	"REFRESH_TOKEN",
	"CLIENT_SECRET",
}

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretKeyPattern   = regexp.MustCompile(`(?i)\b(` + quoteAll(secretKeys) + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
)

func quoteAll(keys []string) string {
	quoted := make([]string, len(keys))
	for i, key := range keys {
		quoted[i] = regexp.QuoteMeta(key)
	}
	return strings.Join(quoted, "|")
}

// RedactSecrets masks ${VAR} references and values assigned to well-known
// secret keys, so job output can be logged without leaking credentials that
// were handed to the job through its environment.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := templateVarPattern.ReplaceAllLiteralString(message, "${"+redactedPlaceholder+"}")
	return secretKeyPattern.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
}
