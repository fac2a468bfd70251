package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Session cookie names of the browser-session provider.
const (
	CookiePSID   = "__Secure-1PSID"
	CookiePSIDTS = "__Secure-1PSIDTS"
)

// FileRenewer reads cookies written by an external browser extractor. The
// file holds either a JSON object of name to value, or a browser export
// array of {"name", "value", "expirationDate"} entries.
type FileRenewer struct {
	Path     string
	Required []string
}

// NewFileRenewer returns a renewer requiring the session cookies.
func NewFileRenewer(path string) *FileRenewer {
	return &FileRenewer{Path: path, Required: []string{CookiePSID}}
}

type exportedCookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	ExpirationDate float64 `json:"expirationDate"`
}

// Renew implements Renewer.
func (f *FileRenewer) Renew(ctx context.Context, provider string) (Renewal, error) {
	if err := ctx.Err(); err != nil {
		return Renewal{}, err
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Renewal{}, fmt.Errorf("read cookie file: %w", err)
	}

	renewal, err := parseCookieFile(data)
	if err != nil {
		return Renewal{}, fmt.Errorf("parse cookie file %s: %w", f.Path, err)
	}

	for _, name := range f.Required {
		if renewal.Value[name] == "" {
			return Renewal{}, fmt.Errorf("cookie file %s is missing %s for %s", f.Path, name, provider)
		}
	}
	return renewal, nil
}

func parseCookieFile(data []byte) (Renewal, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Renewal{}, fmt.Errorf("empty file")
	}

	if data[0] == '[' {
		var cookies []exportedCookie
		if err := json.Unmarshal(data, &cookies); err != nil {
			return Renewal{}, err
		}
		r := Renewal{Value: make(map[string]string, len(cookies))}
		for _, c := range cookies {
			if c.Name == "" || c.Value == "" {
				continue
			}
			r.Value[c.Name] = c.Value
			if c.ExpirationDate <= 0 {
				continue
			}
			exp := time.Unix(int64(c.ExpirationDate), 0)
			if r.ExpiresAt.IsZero() || exp.Before(r.ExpiresAt) {
				r.ExpiresAt = exp
			}
		}
		return r, nil
	}

	var value map[string]string
	if err := json.Unmarshal(data, &value); err != nil {
		return Renewal{}, err
	}
	return Renewal{Value: value}, nil
}
