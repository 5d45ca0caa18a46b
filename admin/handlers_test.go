package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/repubsub/pubsub"
	"github.com/maxpert/repubsub/store"
)

// apiResponse is the JSON envelope every endpoint writes
type apiResponse struct {
	Data    json.RawMessage `json:"data"`
	HasMore *bool           `json:"has_more"`
	LastKey string          `json:"last_key"`
	Error   string          `json:"error"`
}

func newTestAPI(t *testing.T) (store.Store, http.Handler) {
	t.Helper()
	st := store.NewMemory(store.Options{})
	t.Cleanup(func() { st.Close() })

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(st, 42))
	return st, mux
}

func doGET(t *testing.T, h http.Handler, path string) (int, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	return rec.Code, resp
}

func publishString(t *testing.T, st store.Store, exchange, name, payload string) {
	t.Helper()
	ex, err := pubsub.NewExchange(st, exchange)
	require.NoError(t, err)
	topic, err := ex.Topic(name)
	require.NoError(t, err)
	require.NoError(t, topic.Publish(context.Background(), payload))
}

func TestHealthEndpoint(t *testing.T) {
	_, api := newTestAPI(t)

	code, resp := doGET(t, api, "/healthz")
	assert.Equal(t, http.StatusOK, code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 42, body["node_id"])
}

func TestListExchanges(t *testing.T) {
	st, api := newTestAPI(t)

	t.Run("empty store lists nothing", func(t *testing.T) {
		code, resp := doGET(t, api, "/api/exchanges")
		assert.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, "[]", string(resp.Data))
	})

	publishString(t, st, "orders", "orders.eu", "shipped")
	publishString(t, st, "orders", "orders.us", "pending")
	publishString(t, st, "alerts", "alerts.storm", "coastal")

	// One live stream on orders
	ex, err := pubsub.NewExchange(st, "orders")
	require.NoError(t, err)
	sub, err := ex.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer sub.Close()

	t.Run("sorted with counts", func(t *testing.T) {
		code, resp := doGET(t, api, "/api/exchanges")
		assert.Equal(t, http.StatusOK, code)

		var list []struct {
			Name    string `json:"name"`
			Records int64  `json:"records"`
			Streams int    `json:"streams"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &list))
		require.Len(t, list, 2)

		assert.Equal(t, "alerts", list[0].Name)
		assert.EqualValues(t, 1, list[0].Records)
		assert.Equal(t, 0, list[0].Streams)

		assert.Equal(t, "orders", list[1].Name)
		assert.EqualValues(t, 2, list[1].Records)
		assert.Equal(t, 1, list[1].Streams)
	})
}

func TestExchangeDetail(t *testing.T) {
	st, api := newTestAPI(t)
	publishString(t, st, "orders", "orders.eu", "shipped")

	code, resp := doGET(t, api, "/api/exchanges/orders")
	assert.Equal(t, http.StatusOK, code)

	var detail struct {
		Name    string `json:"name"`
		Records int64  `json:"records"`
		Streams int    `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, "orders", detail.Name)
	assert.EqualValues(t, 1, detail.Records)

	code, resp = doGET(t, api, "/api/exchanges/ghost")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "exchange 'ghost' not found", resp.Error)
}

type recordEntry struct {
	Topic   json.RawMessage `json:"topic"`
	Subject string          `json:"subject"`
	Payload any             `json:"payload"`
	Changed string          `json:"changed"`
}

func TestExchangeRecords(t *testing.T) {
	st, api := newTestAPI(t)
	// Same-length names keep the canonical byte order equal to the
	// lexicographic one, so the listing order is predictable
	publishString(t, st, "orders", "orders.aa", "first")
	publishString(t, st, "orders", "orders.bb", "second")
	publishString(t, st, "orders", "orders.cc", "third")

	t.Run("lists the latest value per topic", func(t *testing.T) {
		code, resp := doGET(t, api, "/api/exchanges/orders/records")
		assert.Equal(t, http.StatusOK, code)
		assert.Nil(t, resp.HasMore)

		var entries []recordEntry
		require.NoError(t, json.Unmarshal(resp.Data, &entries))
		require.Len(t, entries, 3)

		assert.Equal(t, `"orders.aa"`, string(entries[0].Topic))
		assert.Equal(t, "orders.aa", entries[0].Subject)
		assert.Equal(t, "first", entries[0].Payload)
		assert.NotEmpty(t, entries[0].Changed)
		assert.Equal(t, "orders.cc", entries[2].Subject)
	})

	t.Run("replacement shows the newest payload", func(t *testing.T) {
		publishString(t, st, "orders", "orders.aa", "revised")

		_, resp := doGET(t, api, "/api/exchanges/orders/records")
		var entries []recordEntry
		require.NoError(t, json.Unmarshal(resp.Data, &entries))
		require.Len(t, entries, 3)
		assert.Equal(t, "revised", entries[0].Payload)
	})

	t.Run("pagination", func(t *testing.T) {
		code, resp := doGET(t, api, "/api/exchanges/orders/records?limit=2")
		assert.Equal(t, http.StatusOK, code)
		require.NotNil(t, resp.HasMore)
		assert.True(t, *resp.HasMore)
		assert.Equal(t, "orders.bb", resp.LastKey)

		var entries []recordEntry
		require.NoError(t, json.Unmarshal(resp.Data, &entries))
		assert.Len(t, entries, 2)
	})

	t.Run("unknown exchange", func(t *testing.T) {
		code, resp := doGET(t, api, "/api/exchanges/ghost/records")
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "exchange 'ghost' not found", resp.Error)
	})
}

func TestExchangeRecordsLimitValidation(t *testing.T) {
	st, api := newTestAPI(t)
	publishString(t, st, "orders", "orders.eu", "shipped")

	tests := []struct {
		query   string
		wantErr string
	}{
		{"limit=0", "limit must be positive"},
		{"limit=-5", "limit must be positive"},
		{"limit=abc", "invalid limit parameter"},
		{"limit=2000", "limit cannot exceed 1024"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			code, resp := doGET(t, api, "/api/exchanges/orders/records?"+tt.query)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, resp.Error, tt.wantErr)
		})
	}
}

// Rows written by foreign producers may carry topics or payloads this node
// cannot decode. Undecodable topics are skipped; undecodable payloads fall
// back to the raw bytes (base64 under JSON).
func TestExchangeRecordsForeignRows(t *testing.T) {
	st, api := newTestAPI(t)
	ctx := context.Background()

	_, err := st.EnsureTable(ctx, "foreign_rows")
	require.NoError(t, err)

	goodKey, err := pubsub.StringKey("orders.aa")
	require.NoError(t, err)
	_, err = st.Upsert(ctx, "foreign_rows", store.Record{
		Topic:   goodKey.Bytes(),
		Payload: []byte{0xc1}, // not valid msgpack
		Changed: "m1",
	})
	require.NoError(t, err)
	_, err = st.Upsert(ctx, "foreign_rows", store.Record{
		Topic:   []byte{0xc1}, // undecodable topic
		Payload: []byte("ignored"),
		Changed: "m2",
	})
	require.NoError(t, err)

	code, resp := doGET(t, api, "/api/exchanges/foreign_rows/records")
	assert.Equal(t, http.StatusOK, code)

	var entries []recordEntry
	require.NoError(t, json.Unmarshal(resp.Data, &entries))
	require.Len(t, entries, 1, "the undecodable topic row is skipped")
	assert.Equal(t, "orders.aa", entries[0].Subject)
	// json renders []byte as base64
	assert.Equal(t, "wQ==", entries[0].Payload)
}
