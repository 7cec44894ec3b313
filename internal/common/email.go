package common

import "strings"

// NormalizeEmail lowercases and trims an address so it can be used as a
// lookup key for tickets, orders and blacklist entries.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MaskEmail hides the local part of an address for logs.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
