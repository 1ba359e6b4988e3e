package events

import (
	"fmt"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
)

func Marshal(m *dynamic.Message) ([]byte, error) {
	return m.Marshal()
}

func UnmarshalEnvelope(schema *Schema, b []byte) (*dynamic.Message, error) {
	if schema == nil || schema.Envelope == nil {
		return nil, fmt.Errorf("schema not loaded")
	}
	m := dynamic.NewMessage(schema.Envelope)
	if err := m.Unmarshal(b); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodePayload unpacks the envelope's payload bytes into the given
// message type.
func DecodePayload(env *dynamic.Message, md *desc.MessageDescriptor) (*dynamic.Message, error) {
	b, ok := env.GetFieldByName("payload").([]byte)
	if !ok {
		return nil, fmt.Errorf("envelope payload is not bytes")
	}
	m := dynamic.NewMessage(md)
	if err := m.Unmarshal(b); err != nil {
		return nil, err
	}
	return m, nil
}

// Record is the API-facing view of a decoded envelope.
type Record struct {
	ID      string         `json:"id"`
	Time    time.Time      `json:"time"`
	Subject string         `json:"subject"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ToRecord flattens an envelope (and, when the subject is known, its
// decoded payload) into a JSON-friendly record.
func ToRecord(schema *Schema, env *dynamic.Message) Record {
	r := Record{}
	if v, ok := env.GetFieldByName("id").(string); ok {
		r.ID = v
	}
	if v, ok := env.GetFieldByName("ts_unix_ms").(int64); ok {
		r.Time = time.UnixMilli(v).UTC()
	}
	if v, ok := env.GetFieldByName("subject").(string); ok {
		r.Subject = v
	}

	md := schema.payloadDescriptor(r.Subject)
	if md == nil {
		return r
	}
	payload, err := DecodePayload(env, md)
	if err != nil {
		return r
	}
	r.Payload = map[string]any{}
	for _, f := range md.GetFields() {
		r.Payload[f.GetName()] = payload.GetField(f)
	}
	return r
}

// payloadDescriptor maps a subject's topic suffix to its payload type.
func (s *Schema) payloadDescriptor(subject string) *desc.MessageDescriptor {
	switch {
	case hasTopic(subject, DeviceDiscovered):
		return s.DeviceDiscovered
	case hasTopic(subject, DeviceStateUpdated):
		return s.DeviceStateUpdated
	case hasTopic(subject, GroupCommandCompleted):
		return s.CommandCompleted
	case hasTopic(subject, FleetSwitchCompleted):
		return s.SwitchCompleted
	default:
		return nil
	}
}

func hasTopic(subject, topic string) bool {
	return subject == topic ||
		(len(subject) > len(topic) && subject[len(subject)-len(topic)-1] == '.' &&
			subject[len(subject)-len(topic):] == topic)
}
