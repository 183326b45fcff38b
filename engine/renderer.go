package engine

import (
	"regexp"
	"strings"

	"outreachd/models"
)

var templateToken = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Render substitutes {{key}} tokens into template text. Matching is
// case-insensitive. Unmatched tokens are left verbatim rather than erroring:
// a missing variable must never fail a send.
func Render(template string, variables map[string]string) string {
	if template == "" || len(variables) == 0 {
		return template
	}

	lowered := make(map[string]string, len(variables))
	for k, v := range variables {
		lowered[strings.ToLower(k)] = v
	}

	return templateToken.ReplaceAllStringFunc(template, func(token string) string {
		key := templateToken.FindStringSubmatch(token)[1]
		if value, ok := lowered[strings.ToLower(key)]; ok {
			return value
		}
		return token
	})
}

// MergeVariables builds the templating context for one enrollment: contact
// fields provide the defaults, explicit enrollment variables override them.
func MergeVariables(contact *models.Contact, overrides map[string]string) map[string]string {
	merged := map[string]string{
		"firstname": contact.FirstName,
		"lastname":  contact.LastName,
		"fullname":  contact.FullName(),
		"email":     contact.Email,
		"company":   contact.Company,
		"position":  contact.Position,
	}
	for k, v := range overrides {
		merged[strings.ToLower(k)] = v
	}
	return merged
}
