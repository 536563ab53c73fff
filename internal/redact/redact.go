// Package redact masks personal data and credentials before text reaches logs
// or live clients. Subject ids are often school emails; backend errors can
// echo connection strings.
package redact

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	urlCredPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.\-]*://)[^/\s:@]+(?::[^/\s@]*)?@`)
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern   = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// Text masks URL credentials, emails and phone numbers.
func Text(input string) (redacted string, changed bool) {
	out := input

	// Credentials first so "user:pw@host" is not read as an email.
	next := urlCredPattern.ReplaceAllString(out, "${1}[REDACTED]@")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// String is Text without the changed flag.
func String(input string) string {
	out, _ := Text(input)
	return out
}

// Error redacts err's message; nil yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Subject keeps a subject id recognizable in logs. Email-shaped ids keep
// their first character and domain.
func Subject(id string) string {
	if at := strings.LastIndexByte(id, '@'); at > 0 && emailPattern.MatchString(id) {
		return id[:1] + "***" + id[at:]
	}
	return String(id)
}

// URL drops the password from a connection URL, keeping scheme, user and host.
func URL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return String(raw)
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
