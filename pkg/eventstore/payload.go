package eventstore

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// NewProtoEvent builds an event from a protobuf payload. The event type is
// the payload's fully qualified message name, which lets UnmarshalPayload
// resolve the decoder from the global registry.
func NewProtoEvent(msg proto.Message, indices ...Index) (Event, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	name := string(msg.ProtoReflect().Descriptor().FullName())
	return NewEvent(name, payload, indices...), nil
}

// UnmarshalPayload decodes an event's payload into the protobuf message type
// registered under the event's type name.
func UnmarshalPayload(ev Event) (proto.Message, error) {
	messageType, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(ev.Type))
	if err != nil {
		return nil, fmt.Errorf("unknown event type %q: %w", ev.Type, err)
	}
	msg := messageType.New().Interface()
	if err := proto.Unmarshal(ev.Payload, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %q payload: %w", ev.Type, err)
	}
	return msg, nil
}

// UnmarshalPayloadInto decodes an event's payload into the given message,
// failing when the event type does not name the message's type.
func UnmarshalPayloadInto(ev Event, msg proto.Message) error {
	want := string(msg.ProtoReflect().Descriptor().FullName())
	if ev.Type != want {
		return fmt.Errorf("event type %q does not match payload type %q", ev.Type, want)
	}
	if err := proto.Unmarshal(ev.Payload, msg); err != nil {
		return fmt.Errorf("failed to unmarshal %q payload: %w", ev.Type, err)
	}
	return nil
}
