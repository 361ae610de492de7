package sms

import (
	"strings"

	"github.com/mohammad-safakhou/agencyscout/internal/calls"
)

// DefaultTemplate is used when no template is configured.
const DefaultTemplate = "Hi {{caller_name}}, thanks for your time today. Here is the page we put together for {{agency_name}}: {{page_url}}"

// Render substitutes the known placeholders of tmpl from rec. {{agent_name}}
// and {{office_phone}} are reserved and always render empty. Unknown
// placeholders are left as written.
func Render(tmpl string, rec calls.Record) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultTemplate
	}
	r := strings.NewReplacer(
		"{{agency_name}}", rec.AgencyName,
		"{{page_url}}", rec.PageURL,
		"{{caller_name}}", firstNonEmpty(rec.CallerName, "there"),
		"{{agency_location}}", rec.AgencyLocation,
		"{{agent_name}}", "",
		"{{office_phone}}", "",
	)
	return strings.Join(strings.Fields(r.Replace(tmpl)), " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
