package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Event is a free-form JSON document. Only "id" and "date" carry meaning to
// the server; every other field is stored as sent.
type Event map[string]json.RawMessage

var eventDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ID returns the event id as a string. Numeric ids are returned in their
// JSON text form.
func (e Event) ID() string {
	return e.stringField("id")
}

func (e Event) SetID(id string) {
	raw, _ := json.Marshal(id)
	e["id"] = raw
}

// Date parses the "date" field. ok is false when it is missing or unparsable.
func (e Event) Date() (t time.Time, ok bool) {
	s := e.stringField("date")
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range eventDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (e Event) stringField(name string) string {
	raw, ok := e[name]
	if !ok {
		return ""
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}
