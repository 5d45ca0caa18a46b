package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/repubsub/encoding"
	"github.com/maxpert/repubsub/pubsub"
)

func flatMessage(t *testing.T, name string, payload any) pubsub.Message {
	t.Helper()
	key, err := pubsub.StringKey(name)
	require.NoError(t, err)
	data, err := encoding.Marshal(payload)
	require.NoError(t, err)
	return pubsub.Message{
		Exchange: "messages",
		Topic:    key,
		Payload:  data,
		Changed:  "c0ffee",
	}
}

func TestJSONTransformerEnvelope(t *testing.T) {
	trans := &jsonTransformer{}

	out, err := trans.Transform(flatMessage(t, "weather.us", map[string]any{"temp": 21.5}))
	require.NoError(t, err)

	var env struct {
		Exchange string          `json:"exchange"`
		Subject  string          `json:"subject"`
		Topic    json.RawMessage `json:"topic"`
		Payload  map[string]any  `json:"payload"`
		Changed  string          `json:"changed"`
		Observed time.Time       `json:"observed"`
	}
	require.NoError(t, json.Unmarshal(out, &env))

	assert.Equal(t, "messages", env.Exchange)
	assert.Equal(t, "weather.us", env.Subject)
	assert.Equal(t, `"weather.us"`, string(env.Topic))
	assert.Equal(t, 21.5, env.Payload["temp"])
	assert.Equal(t, "c0ffee", env.Changed)
	assert.WithinDuration(t, time.Now().UTC(), env.Observed, time.Minute)
}

func TestJSONTransformerTopicShapes(t *testing.T) {
	trans := &jsonTransformer{}

	tagKey, err := pubsub.TagKey("boxing", "fights")
	require.NoError(t, err)
	treeKey, err := pubsub.TreeKey(map[string]map[string][]string{
		"events": {"fights": {"boxing"}},
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		key      pubsub.Key
		wantJSON string
	}{
		{"tags render as an array", tagKey, `["boxing","fights"]`},
		{"trees render as nested objects", treeKey, `{"events":{"fights":["boxing"]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encoding.Marshal("payload")
			require.NoError(t, err)
			out, err := trans.Transform(pubsub.Message{
				Exchange: "messages",
				Topic:    tt.key,
				Payload:  data,
				Changed:  "m1",
			})
			require.NoError(t, err)

			var env struct {
				Topic json.RawMessage `json:"topic"`
			}
			require.NoError(t, json.Unmarshal(out, &env))
			assert.JSONEq(t, tt.wantJSON, string(env.Topic))
		})
	}
}

// A payload written by a foreign producer may not be msgpack at all. The
// envelope then carries the raw bytes instead of failing the transform.
func TestJSONTransformerUndecodablePayload(t *testing.T) {
	trans := &jsonTransformer{}

	key, err := pubsub.StringKey("foreign.producer")
	require.NoError(t, err)
	raw := []byte{0xc1, 0xff, 0x00} // not valid msgpack

	out, err := trans.Transform(pubsub.Message{
		Exchange: "messages",
		Topic:    key,
		Payload:  raw,
		Changed:  "m1",
	})
	require.NoError(t, err)

	// []byte marshals as base64 under encoding/json
	var env struct {
		Payload []byte `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(out, &env))
	assert.Equal(t, raw, env.Payload)
}

func TestRawTransformerPassesPayloadThrough(t *testing.T) {
	trans := &rawTransformer{}

	msg := flatMessage(t, "weather.us", map[string]any{"temp": 21.5})
	out, err := trans.Transform(msg)
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, out)

	// No decoding happens, so undecodable payloads pass through too
	msg.Payload = []byte{0xc1}
	out, err = trans.Transform(msg)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc1}, out)
}

func TestTransformerFactories(t *testing.T) {
	trans, err := createTransformer("json")
	require.NoError(t, err)
	assert.IsType(t, &jsonTransformer{}, trans)

	trans, err = createTransformer("raw")
	require.NoError(t, err)
	assert.IsType(t, &rawTransformer{}, trans)

	_, err = createTransformer("yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}
