// Package stockkey turns product identifiers from heterogeneous feeds into one comparable key.
//
// "12345", 12345, " 12345 " and "0012345" all normalize to the same key. Alphanumeric ids are
// upper-cased so "sku-9a" and "SKU-9A" join. Internal '-' and '_' separators are kept.
package stockkey

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/stock_sync/utils"
)

type CanonicalKey string

func (k CanonicalKey) String() string { return string(k) }

const maxKeyLength = 128

// Normalize returns the canonical key for raw. sourceHint names the feed and only appears in errors.
func Normalize(raw any, sourceHint string) (CanonicalKey, error) {
	switch v := raw.(type) {
	case nil:
		return "", invalid("", sourceHint, "missing identifier")
	case string:
		return normalizeString(v, sourceHint)
	case *string:
		if v == nil {
			return "", invalid("", sourceHint, "missing identifier")
		}
		return normalizeString(*v, sourceHint)
	case json.Number:
		return normalizeJSONNumber(v, sourceHint)
	case int:
		return normalizeSigned(int64(v), sourceHint)
	case int32:
		return normalizeSigned(int64(v), sourceHint)
	case int64:
		return normalizeSigned(v, sourceHint)
	case uint:
		return CanonicalKey(strconv.FormatUint(uint64(v), 10)), nil
	case uint32:
		return CanonicalKey(strconv.FormatUint(uint64(v), 10)), nil
	case uint64:
		return CanonicalKey(strconv.FormatUint(v, 10)), nil
	case float32:
		return normalizeFloat(float64(v), sourceHint)
	case float64:
		return normalizeFloat(v, sourceHint)
	default:
		return "", invalid(fmt.Sprintf("%v", raw), sourceHint, fmt.Sprintf("unsupported identifier type %T", raw))
	}
}

func normalizeString(raw, source string) (CanonicalKey, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", invalid(raw, source, "empty after trimming")
	}
	if len(s) > maxKeyLength {
		return "", invalid(raw, source, "longer than 128 characters")
	}
	allDigits := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			allDigits = false
		case c == '-' || c == '_':
			allDigits = false
			if i == 0 || i == len(s)-1 {
				return "", invalid(raw, source, "separator at start or end")
			}
		default:
			return "", invalid(raw, source, fmt.Sprintf("non-alphanumeric character %q", c))
		}
	}
	if allDigits {
		return CanonicalKey(stripLeadingZeros(s)), nil
	}
	return CanonicalKey(strings.ToUpper(s)), nil
}

func stripLeadingZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}

func normalizeSigned(v int64, source string) (CanonicalKey, error) {
	if v < 0 {
		return "", invalid(strconv.FormatInt(v, 10), source, "negative numeric identifier")
	}
	return CanonicalKey(strconv.FormatInt(v, 10)), nil
}

func normalizeFloat(v float64, source string) (CanonicalKey, error) {
	if v == 0 {
		// Negative zero formats as "-0".
		v = 0
	}
	raw := strconv.FormatFloat(v, 'f', -1, 64)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", invalid(raw, source, "not a finite number")
	}
	if v < 0 {
		return "", invalid(raw, source, "negative numeric identifier")
	}
	if v != math.Trunc(v) {
		return "", invalid(raw, source, "fractional numeric identifier")
	}
	return CanonicalKey(raw), nil
}

func normalizeJSONNumber(n json.Number, source string) (CanonicalKey, error) {
	s := strings.TrimSpace(n.String())
	if _, err := strconv.ParseUint(s, 10, 64); err == nil {
		return CanonicalKey(stripLeadingZeros(s)), nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", invalid(s, source, "malformed number")
	}
	return normalizeFloat(f, source)
}

func invalid(raw, source, reason string) error {
	return &utils.InvalidIdentifierError{Raw: raw, Source: source, Reason: reason}
}

// Equal reports whether a and b normalize to the same key. Invalid ids never match.
func Equal(a, b any) bool {
	ka, err := Normalize(a, "")
	if err != nil {
		return false
	}
	kb, err := Normalize(b, "")
	if err != nil {
		return false
	}
	return ka == kb
}
