package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/qri-io/jsonschema"

	"github.com/garnizeh/terrace/pkg/webhook"
)

// Violations collects field problems the way a form validator does.
type Violations map[string]string

func (v Violations) Empty() bool { return len(v) == 0 }

// Err returns a *ValidationError, or nil when nothing was recorded.
func (v Violations) Err() error {
	if v.Empty() {
		return nil
	}
	return &ValidationError{Fields: map[string]string(v)}
}

// Length checks count runes, not bytes.
func lengthBetween(field, value string, minLen, maxLen int, v Violations) {
	n := utf8.RuneCountInString(value)
	switch {
	case n < minLen:
		v[field] = fmt.Sprintf("must be at least %d characters", minLen)
	case maxLen > 0 && n > maxLen:
		v[field] = fmt.Sprintf("must be at most %d characters", maxLen)
	}
}

func maxLength(field, value string, maxLen int, v Violations) {
	if utf8.RuneCountInString(value) > maxLen {
		v[field] = fmt.Sprintf("must be at most %d characters", maxLen)
	}
}

func maxItems(field string, n, maxN int, v Violations) {
	if n > maxN {
		v[field] = fmt.Sprintf("must have at most %d items", maxN)
	}
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func validUsername(field, value string, v Violations) {
	lengthBetween(field, value, 3, 30, v)
	if _, bad := v[field]; !bad && !usernamePattern.MatchString(value) {
		v[field] = "may only contain letters, digits and underscores"
	}
}

func validEmail(field, value string, v Violations) {
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value {
		v[field] = "must be a valid email address"
	}
}

// isURL accepts absolute http(s) URLs with a host.
func isURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// publicURLHost reports whether raw names a host outside loopback, private
// and link-local ranges.
func publicURLHost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return webhook.PublicHost(u.Hostname())
}

// normalizeTags trims, lowercases and de-duplicates tags, keeping first-seen order.
func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

const attachmentsSchema = `{
	"type": "object",
	"properties": {
		"code_blocks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["language", "content"],
				"properties": {
					"language": {"type": "string"},
					"content": {"type": "string"},
					"filename": {"type": "string"}
				}
			}
		},
		"links": {"type": "array", "items": {"type": "string"}},
		"files": {"type": "array", "items": {"type": "string"}}
	}
}`

func compileAttachmentsSchema() *jsonschema.Schema {
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(attachmentsSchema), rs); err != nil {
		panic(fmt.Sprintf("compile attachments schema: %v", err))
	}
	return rs
}

// validateAttachments checks raw against the attachments schema and records
// the first problem under "attachments".
func validateAttachments(ctx context.Context, schema *jsonschema.Schema, raw json.RawMessage, v Violations) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	verrs, err := schema.ValidateBytes(ctx, raw)
	if err != nil {
		v["attachments"] = "must be a JSON object"
		return
	}
	if len(verrs) > 0 {
		v["attachments"] = strings.TrimSpace(verrs[0].PropertyPath + " " + verrs[0].Message)
	}
}
