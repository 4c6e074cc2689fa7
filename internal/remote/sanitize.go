package remote

import "strings"

// Redactor removes internal addresses from command output before it is
// persisted. Output may be shown to operators who should not learn the
// control plane's internal topology.
type Redactor struct {
	internalIPs []string
}

// NewRedactor creates a redactor for the given internal IP addresses.
// Empty entries are ignored.
func NewRedactor(internalIPs ...string) *Redactor {
	r := &Redactor{}
	for _, ip := range internalIPs {
		if ip != "" {
			r.internalIPs = append(r.internalIPs, ip)
		}
	}
	return r
}

// Sanitize returns the text as valid UTF-8 with internal IPs redacted.
func (r *Redactor) Sanitize(text string) string {
	text = strings.ToValidUTF8(text, "�")
	for _, ip := range r.internalIPs {
		text = strings.ReplaceAll(text, ip, "<internal>")
	}
	return text
}
