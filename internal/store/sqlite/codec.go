package sqlite

import (
	"encoding/json"
	"time"

	"github.com/flowcraft/engine/internal/event"
	"github.com/flowcraft/engine/internal/location"
)

// dbEvent is event.Event with its Location pulled out into a separate
// column (location.Location has no exported fields, so it can't
// round-trip through encoding/json on its own).
type dbEvent struct {
	Kind      event.Kind
	Version   int
	CreatedAt time.Time

	Activity     *event.ActivityPayload     `json:",omitempty"`
	SignalListen *event.SignalListenPayload `json:",omitempty"`
	SignalSend   *event.SignalSendPayload   `json:",omitempty"`
	MessageSend  *event.MessageSendPayload  `json:",omitempty"`
	SubWorkflow  *event.SubWorkflowPayload  `json:",omitempty"`
	Loop         *event.LoopPayload         `json:",omitempty"`
	Sleep        *event.SleepPayload        `json:",omitempty"`
	Removed      *event.RemovedPayload      `json:",omitempty"`
}

func encodeEvent(e event.Event) (loc string, payload string, err error) {
	d := dbEvent{
		Kind: e.Kind, Version: e.Version, CreatedAt: e.CreatedAt,
		Activity: e.Activity, SignalListen: e.SignalListen, SignalSend: e.SignalSend,
		MessageSend: e.MessageSend, SubWorkflow: e.SubWorkflow, Loop: e.Loop,
		Sleep: e.Sleep, Removed: e.Removed,
	}
	buf, err := json.Marshal(d)
	if err != nil {
		return "", "", err
	}
	return e.Location.String(), string(buf), nil
}

func decodeEvent(wfID, locStr string, forgotten bool, payload string) (event.Event, error) {
	loc, err := location.Parse(locStr)
	if err != nil {
		return event.Event{}, err
	}
	var d dbEvent
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return event.Event{}, err
	}
	return event.Event{
		WorkflowID: wfID, Location: loc, Forgotten: forgotten,
		Kind: d.Kind, Version: d.Version, CreatedAt: d.CreatedAt,
		Activity: d.Activity, SignalListen: d.SignalListen, SignalSend: d.SignalSend,
		MessageSend: d.MessageSend, SubWorkflow: d.SubWorkflow, Loop: d.Loop,
		Sleep: d.Sleep, Removed: d.Removed,
	}, nil
}

func marshalStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "", nil
	}
	buf, err := json.Marshal(ss)
	return string(buf), err
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

func marshalTags(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	buf, err := json.Marshal(m)
	return string(buf), err
}

func unmarshalTags(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}
