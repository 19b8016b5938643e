package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseError describes an undecodable agent result document. Raw is kept
// for forensics; errors never discard agent output.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse agent output: %s", e.Reason)
}

// Parse decodes an agent result blob into an Outcome. Two encodings are
// accepted: a bare JSON object, and a JSON object inside a ```json fenced
// block (agents often wrap their final document in prose). The parser
// fails closed: unknown status values and missing required fields are
// errors, never defaults.
func Parse(raw string) (*Outcome, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseError{Reason: "empty output", Raw: raw}
	}

	doc, ok := extractDocument(trimmed)
	if !ok {
		return nil, &ParseError{Reason: "no JSON object found", Raw: raw}
	}

	parsed := gjson.Parse(doc)
	if !parsed.IsObject() {
		return nil, &ParseError{Reason: "document root is not an object", Raw: raw}
	}
	if !parsed.Get("status").Exists() {
		return nil, &ParseError{Reason: "missing status", Raw: raw}
	}
	if !parsed.Get("timestamp").Exists() {
		return nil, &ParseError{Reason: "missing timestamp", Raw: raw}
	}

	status := OutcomeStatus(parsed.Get("status").String())
	required, known := requiredFields[status]
	if !known {
		return nil, &ParseError{Reason: fmt.Sprintf("unknown status %q", status), Raw: raw}
	}
	for _, field := range required {
		v := parsed.Get(field)
		if !v.Exists() || (v.Type == gjson.String && v.String() == "") {
			return nil, &ParseError{Reason: fmt.Sprintf("status %s requires field %q", status, field), Raw: raw}
		}
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(doc), &outcome); err != nil {
		return nil, &ParseError{Reason: err.Error(), Raw: raw}
	}
	return &outcome, nil
}

// extractDocument locates the result document in the blob: either the blob
// itself is a JSON object, or the last ```json fenced block contains one.
func extractDocument(blob string) (string, bool) {
	if strings.HasPrefix(blob, "{") && gjson.Valid(blob) {
		return blob, true
	}

	// Take the last fenced block; agents may echo examples earlier.
	const marker = "```json"
	idx := strings.LastIndex(blob, marker)
	if idx < 0 {
		return "", false
	}

	body := blob[idx+len(marker):]
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "{") && gjson.Valid(body) {
		return body, true
	}
	return "", false
}
