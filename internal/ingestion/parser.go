package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"MarginLedger/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type name) into a
// typed, validated event.Event. Unknown fields are rejected so that a
// producer schema change fails loudly instead of dropping data.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et, err := event.ParseEventType(eventType)
	if err != nil {
		return nil, err
	}
	evt, err := event.New(et)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(evt); err != nil {
		return nil, fmt.Errorf("invalid %s JSON: %w", eventType, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid %s JSON: trailing data", eventType)
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", eventType, err)
	}
	return evt, nil
}

// EventTypeFromSubject resolves the event type of an inbound subject of the
// form margin.cmd.<kind>.<market>.
func EventTypeFromSubject(subject string) (string, error) {
	for _, sc := range DefaultSubjects() {
		prefix := strings.TrimSuffix(sc.Subject, ">")
		if strings.HasPrefix(subject, prefix) {
			return sc.EventType, nil
		}
	}
	return "", fmt.Errorf("no event type for subject %q", subject)
}
