package wire

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the variant of a wire message.
type Kind int

const (
	KindText Kind = iota + 1
	KindAck
	KindHeartbeat
	KindFileOffer
	KindFileChunk
)

// JSON type tags.
const (
	TypeText      = "message"
	TypeAck       = "ack"
	TypeHeartbeat = "heartbeat"
	TypeFileOffer = "file_offer"
	TypeFileChunk = "file_chunk"
)

// AckStatusReceived is the only acknowledgment status currently sent.
const AckStatusReceived = "received"

// ErrMalformedWireMessage indicates a frame that is not a valid wire message.
var ErrMalformedWireMessage = errors.New("wire: malformed message")

func (k Kind) String() string {
	switch k {
	case KindText:
		return TypeText
	case KindAck:
		return TypeAck
	case KindHeartbeat:
		return TypeHeartbeat
	case KindFileOffer:
		return TypeFileOffer
	case KindFileChunk:
		return TypeFileChunk
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is implemented only by the message types in this package.
type Message interface {
	Kind() Kind
	isMessage()
}

// Text is a chat message.
type Text struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Ack confirms receipt of a Text with the same MessageID.
type Ack struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Heartbeat checks channel liveness.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// FileOffer announces a file that follows as FileChunk messages.
type FileOffer struct {
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	ChunkCount int    `json:"chunk_count"`
	Checksum   string `json:"checksum"`
}

// FileChunk carries one chunk of a file. Data is hex encoded on the wire.
type FileChunk struct {
	Seq      int    `json:"seq"`
	Data     []byte `json:"-"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

func (Text) Kind() Kind      { return KindText }
func (Ack) Kind() Kind       { return KindAck }
func (Heartbeat) Kind() Kind { return KindHeartbeat }
func (FileOffer) Kind() Kind { return KindFileOffer }
func (FileChunk) Kind() Kind { return KindFileChunk }

func (Text) isMessage()      {}
func (Ack) isMessage()       {}
func (Heartbeat) isMessage() {}
func (FileOffer) isMessage() {}
func (FileChunk) isMessage() {}

// NewHeartbeat returns a heartbeat stamped with the current time.
func NewHeartbeat() Heartbeat {
	return Heartbeat{Timestamp: time.Now().UnixMilli()}
}

// NewAck acknowledges messageID.
func NewAck(messageID string) Ack {
	return Ack{MessageID: messageID, Status: AckStatusReceived}
}

type envelope struct {
	Type string `json:"type"`
}

type textFrame struct {
	Type string `json:"type"`
	Text
}

type ackFrame struct {
	Type string `json:"type"`
	Ack
}

type heartbeatFrame struct {
	Type string `json:"type"`
	Heartbeat
}

type fileOfferFrame struct {
	Type string `json:"type"`
	FileOffer
}

type fileChunkFrame struct {
	Type     string `json:"type"`
	Seq      int    `json:"seq"`
	Data     string `json:"data"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// Encode marshals msg with its type tag.
func Encode(msg Message) ([]byte, error) {
	var frame any
	switch m := msg.(type) {
	case Text:
		frame = textFrame{Type: TypeText, Text: m}
	case Ack:
		frame = ackFrame{Type: TypeAck, Ack: m}
	case Heartbeat:
		frame = heartbeatFrame{Type: TypeHeartbeat, Heartbeat: m}
	case FileOffer:
		frame = fileOfferFrame{Type: TypeFileOffer, FileOffer: m}
	case FileChunk:
		frame = fileChunkFrame{
			Type:     TypeFileChunk,
			Seq:      m.Seq,
			Data:     hex.EncodeToString(m.Data),
			FileName: m.FileName,
			FileSize: m.FileSize,
		}
	default:
		return nil, fmt.Errorf("encode %T: %w", msg, ErrMalformedWireMessage)
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal wire message: %w", err)
	}
	return payload, nil
}

// Decode parses a payload into one of the message types. Unknown tags,
// invalid JSON and out-of-range fields all return ErrMalformedWireMessage.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWireMessage, err)
	}

	switch env.Type {
	case TypeText:
		var f textFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWireMessage, err)
		}
		if f.MessageID == "" {
			return nil, fmt.Errorf("%w: message without message_id", ErrMalformedWireMessage)
		}
		return f.Text, nil
	case TypeAck:
		var f ackFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWireMessage, err)
		}
		if f.MessageID == "" {
			return nil, fmt.Errorf("%w: ack without message_id", ErrMalformedWireMessage)
		}
		return f.Ack, nil
	case TypeHeartbeat:
		var f heartbeatFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWireMessage, err)
		}
		return f.Heartbeat, nil
	case TypeFileOffer:
		var f fileOfferFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWireMessage, err)
		}
		if f.FileSize < 0 || f.ChunkCount < 0 {
			return nil, fmt.Errorf("%w: negative file size or chunk count", ErrMalformedWireMessage)
		}
		return f.FileOffer, nil
	case TypeFileChunk:
		var f fileChunkFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWireMessage, err)
		}
		if f.Seq < 0 {
			return nil, fmt.Errorf("%w: negative chunk seq", ErrMalformedWireMessage)
		}
		data, err := hex.DecodeString(f.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk data: %v", ErrMalformedWireMessage, err)
		}
		return FileChunk{Seq: f.Seq, Data: data, FileName: f.FileName, FileSize: f.FileSize}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedWireMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedWireMessage, env.Type)
	}
}
