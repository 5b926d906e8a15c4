package helper

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DigitsOnly drops every non-digit rune.
func DigitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// StripPhoneSeparators removes spaces, dashes and plus signs, keeping
// everything else so callers can tell whether only digits remain.
func StripPhoneSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '+':
			return -1
		}
		return r
	}, s)
}

// NormalizePhone turns a loosely formatted number into international digits.
// A leading 0 is replaced by defaultCountryCode (e.g. 0812... -> 62812...).
func NormalizePhone(raw, defaultCountryCode string) string {
	cleaned := DigitsOnly(raw)
	if cleaned == "" {
		return ""
	}
	cc := DigitsOnly(defaultCountryCode)
	if cc != "" && strings.HasPrefix(cleaned, "0") && !strings.HasPrefix(strings.TrimSpace(raw), "+") {
		cleaned = cc + strings.TrimLeft(cleaned, "0")
	}
	return cleaned
}

// IsPlausiblePhone reports whether digits (international, no plus) look like
// a dialable number.
func IsPlausiblePhone(digits string) bool {
	if len(digits) < 8 || len(digits) > 15 {
		return false
	}
	num, err := phonenumbers.Parse("+"+digits, "")
	if err != nil {
		return false
	}
	return phonenumbers.IsPossibleNumber(num)
}

// ExtractPhoneFromJID returns the user part of a JID without device suffix.
func ExtractPhoneFromJID(jid string) string {
	// "6285148107612:43@s.whatsapp.net" -> "6285148107612"
	atSplit := strings.SplitN(jid, "@", 2)
	if len(atSplit) == 0 {
		return jid
	}
	beforeAt := atSplit[0]
	colonSplit := strings.SplitN(beforeAt, ":", 2)
	return colonSplit[0]
}
