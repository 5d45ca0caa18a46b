package bridge

import (
	"encoding/json"
	"time"

	"github.com/maxpert/repubsub/pubsub"
)

func init() {
	RegisterTransformer("json", func() Transformer { return &jsonTransformer{} })
	RegisterTransformer("raw", func() Transformer { return &rawTransformer{} })
}

// envelope is the wire format produced by the json transformer. Topic
// marshals in its shape-native form: a string, a tag array or a nested
// category map.
type envelope struct {
	Exchange string     `json:"exchange"`
	Subject  string     `json:"subject"`
	Topic    pubsub.Key `json:"topic"`
	Payload  any        `json:"payload"`
	Changed  string     `json:"changed"`
	Observed time.Time  `json:"observed"`
}

// jsonTransformer wraps each publication in a self-describing JSON envelope
type jsonTransformer struct{}

func (t *jsonTransformer) Transform(msg pubsub.Message) ([]byte, error) {
	var payload any
	if err := msg.Decode(&payload); err != nil {
		// Payload written by a foreign producer; ship the raw bytes
		// (base64 under JSON) rather than dropping the message
		payload = msg.Payload
	}

	return json.Marshal(envelope{
		Exchange: msg.Exchange,
		Subject:  msg.Topic.Subject(),
		Topic:    msg.Topic,
		Payload:  payload,
		Changed:  msg.Changed,
		Observed: time.Now().UTC(),
	})
}

// rawTransformer forwards the payload exactly as the publisher encoded it,
// without the envelope. Consumers get msgpack bytes and no topic metadata
// beyond the sink subject and key.
type rawTransformer struct{}

func (t *rawTransformer) Transform(msg pubsub.Message) ([]byte, error) {
	return msg.Payload, nil
}
