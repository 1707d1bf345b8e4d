package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClientType selects which Service Bus entity a handle is bound to.
type ClientType int

const (
	ClientTypeQueue ClientType = iota // Queue entity
	ClientTypeTopic                   // Topic entity, received through a subscription
)

func (t ClientType) String() string {
	switch t {
	case ClientTypeQueue:
		return "queue"
	case ClientTypeTopic:
		return "topic"
	default:
		return fmt.Sprintf("ClientType(%d)", int(t))
	}
}

// Valid reports whether t is one of the known client types.
func (t ClientType) Valid() bool {
	return t == ClientTypeQueue || t == ClientTypeTopic
}

// ParseClientType maps a configuration string onto a ClientType.
func ParseClientType(s string) (ClientType, error) {
	switch s {
	case "queue", "Queue", "":
		return ClientTypeQueue, nil
	case "topic", "Topic":
		return ClientTypeTopic, nil
	default:
		return 0, fmt.Errorf("%w: unknown client type %q", ErrInvalidArgument, s)
	}
}

// TextMessage is the payload carried in every message body.
type TextMessage struct {
	ID   uuid.UUID `json:"Id"`
	Text string    `json:"Text"`
}

// NewTextMessage creates a TextMessage with a generated ID.
func NewTextMessage(text string) TextMessage {
	return TextMessage{ID: uuid.New(), Text: text}
}

// ContentType is set on every message produced by Encode.
const ContentType = "application/json"

// Encode serialises m into a UTF-8 JSON message body.
func (m TextMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal text message: %w", err)
	}
	return body, nil
}

// DecodeTextMessage parses a message body. A body without an id is rejected.
func DecodeTextMessage(body []byte) (TextMessage, error) {
	var m TextMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return TextMessage{}, fmt.Errorf("%w: unmarshal text message: %v", ErrMessageProcessing, err)
	}
	if m.ID == uuid.Nil {
		return TextMessage{}, fmt.Errorf("%w: text message has no id", ErrMessageProcessing)
	}
	return m, nil
}

// Delivery is a received message that has not been settled yet.
type Delivery struct {
	MessageID     string
	LockToken     string
	SessionID     string
	DeliveryCount uint32
	EnqueuedAt    time.Time
	Body          []byte
}

// ReceivedText is a TextMessage recorded after successful handling.
type ReceivedText struct {
	ID         uuid.UUID
	Text       string
	Entity     string
	ReceivedAt time.Time
}

// Domain errors
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrCertificateNotFound = errors.New("failed to retrieve certificate")
	ErrAuthentication      = errors.New("authentication failed")
	ErrMessageProcessing   = errors.New("message processing failed")
	ErrUnknownLockToken    = errors.New("unknown lock token")
)
