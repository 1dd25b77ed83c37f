package connection

import (
	"fmt"
	"strings"
)

// ObjectType is the kind of resource a frame addresses.
type ObjectType string

const (
	Flow  ObjectType = "flow"
	Drop  ObjectType = "drop"
	Track ObjectType = "track"
)

// OperationKind is the operation a frame asks for.
type OperationKind string

const (
	Create      OperationKind = "create"
	Find        OperationKind = "find"
	Update      OperationKind = "update"
	Delete      OperationKind = "delete"
	Subscribe   OperationKind = "subscribe"
	Unsubscribe OperationKind = "unsubscribe"
)

// PushType is the `type` of an unsolicited notification frame.
const PushType = "message"

// Payload holds the optional fields of an outbound frame.
type Payload struct {
	ID     string
	FlowID string
	Value  any
}

// Frame is an outbound request.
type Frame struct {
	MessageID int64         `json:"messageId"`
	Object    ObjectType    `json:"object"`
	Type      OperationKind `json:"type"`
	ID        string        `json:"id,omitempty"`
	FlowID    string        `json:"flowId,omitempty"`
	Value     any           `json:"value,omitempty"`
}

func NewFrame(messageID int64, object ObjectType, kind OperationKind, p Payload) *Frame {
	return &Frame{
		MessageID: messageID,
		Object:    object,
		Type:      kind,
		ID:        p.ID,
		FlowID:    p.FlowID,
		Value:     p.Value,
	}
}

// Inbound is any frame received from the service. It is either a push
// notification (Type == PushType) or a correlated response (Head set).
type Inbound struct {
	Type     string `json:"type,omitempty"`
	Resource string `json:"resource,omitempty"`
	Value    any    `json:"value,omitempty"`
	Head     *Head  `json:"head,omitempty"`
	Body     any    `json:"body,omitempty"`
}

// IsPush reports whether the frame is a push notification.
func (in *Inbound) IsPush() bool {
	return in.Type == PushType
}

// Head is the envelope of a correlated response.
type Head struct {
	MessageID *int64 `json:"messageId,omitempty"`
	OK        bool   `json:"ok"`
	Status    int    `json:"status,omitempty"`
	Errors    []any  `json:"errors,omitempty"`
}

// ProtocolError is a response whose head reported ok == false.
type ProtocolError struct {
	MessageID int64
	Status    int
	Errors    []any
}

func (e *ProtocolError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("request %d failed", e.MessageID)
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, fmt.Sprint(err))
	}
	return fmt.Sprintf("request %d failed: %s", e.MessageID, strings.Join(msgs, "; "))
}

func (e *ProtocolError) Is(target error) bool {
	if target == nil {
		return e == nil
	}

	_, ok := target.(*ProtocolError)
	return ok
}
