package dispatcher

import (
	"regexp"

	"github.com/outboundly/campaigngw/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// Render substitutes {placeholder} tokens in a message template. The
// built-ins {name} and {phone} come from the contact; everything else
// is looked up in the contact's variable set. Unknown placeholders
// resolve to the empty string rather than leaking braces to recipients.
func Render(tmpl string, contact model.Contact, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		switch key {
		case "name":
			return contact.Name
		case "phone":
			return contact.Phone
		}
		return vars[key]
	})
}
