// Package keys builds the storage keys shared by the cache tiers.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/AsobaCloud/platform-edge/internal/model"
)

// Key returns the distributed-tier key for an artifact. The raw customer id
// and variant are sanitized for readability; an xxhash of the unsanitized
// values keeps distinct inputs from colliding after sanitization.
func Key(k model.ArtifactKey) string {
	customer := sanitize(strings.TrimSpace(k.CustomerID))
	variant := sanitize(strings.TrimSpace(k.Variant))

	const maxTextLen = 96
	if len(customer) > maxTextLen {
		customer = customer[:maxTextLen]
	}
	if len(variant) > maxTextLen {
		variant = variant[:maxTextLen]
	}

	sum := xxhash.Sum64String(k.CustomerID + "\x00" + k.Variant)

	if variant == "" {
		return fmt.Sprintf("edge:%s:%s:h=%016x", k.Kind, customer, sum)
	}
	return fmt.Sprintf("edge:%s:%s:%s:h=%016x", k.Kind, customer, variant, sum)
}

// FreshnessKey addresses the out-of-band freshness record for a customer's
// model bundle.
func FreshnessKey(customerID string) string {
	return "edge:freshness:" + sanitize(strings.TrimSpace(customerID))
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
