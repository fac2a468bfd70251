package credentials

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tokenExpiry returns the earliest future "exp" claim found among values
// that parse as JWTs. Signatures are not verified.
func tokenExpiry(value map[string]string, now time.Time) (time.Time, bool) {
	parser := jwt.NewParser()
	var earliest time.Time
	for _, raw := range value {
		if strings.Count(raw, ".") != 2 {
			continue
		}
		claims := jwt.MapClaims{}
		if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
			continue
		}
		exp, ok := claimTime(claims["exp"])
		if !ok || !exp.After(now) {
			continue
		}
		if earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
	}
	return earliest, !earliest.IsZero()
}

func claimTime(v any) (time.Time, bool) {
	switch exp := v.(type) {
	case float64:
		return time.Unix(int64(exp), 0), true
	case json.Number:
		n, err := exp.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	default:
		return time.Time{}, false
	}
}
