package logging

import "strings"

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Signature truncates a hex signature so logs stay diagnosable without
// reproducing redeemable material.
func Signature(sig string) string {
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return ""
	}
	if len(sig) <= 12 {
		return RedactedValue
	}
	return sig[:12] + "..."
}

// Email masks the local part of an address, keeping the domain for triage.
func Email(addr string) string {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return RedactedValue
	}
	return addr[:1] + "***" + addr[at:]
}
