package services

import (
	"regexp"
	"strings"
)

var placeholderRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// RenderTemplate replaces {{key}} placeholders with values from vars.
// Unknown placeholders render as empty strings so a missing value never leaks template syntax to a device.
func RenderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}
	out := placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		submatch := placeholderRegex.FindStringSubmatch(match)
		if len(submatch) != 2 {
			return match
		}
		return vars[submatch[1]]
	})
	return strings.Join(strings.Fields(out), " ")
}
