package store

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

// encMode uses Core Deterministic Encoding so the same message always
// produces the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// record is the on-disk form of a message.
type record struct {
	ID             string `cbor:"id"`
	ConversationID string `cbor:"conversation_id"`
	SenderID       string `cbor:"sender_id"`
	Body           string `cbor:"body"`
	Seq            uint64 `cbor:"seq"`
	SentAt         int64  `cbor:"sent_at"`
}

func encodeMessage(msg protocol.Message) ([]byte, error) {
	return encMode.Marshal(record{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		Seq:            msg.Seq,
		SentAt:         msg.SentAt.UnixNano(),
	})
}

func decodeMessage(data []byte) (protocol.Message, error) {
	var r record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return protocol.Message{}, err
	}
	return protocol.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Body:           r.Body,
		Seq:            r.Seq,
		SentAt:         time.Unix(0, r.SentAt).UTC(),
	}, nil
}
