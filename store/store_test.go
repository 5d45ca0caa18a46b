package store

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The contract tests below run against every backend; backend-specific
// behavior (reopen, cross-process feeds) lives in the per-backend files.

type backendCase struct {
	name string
	open func(t *testing.T) Store
}

func testOptions() Options {
	return Options{
		MaxBuffered:  1024,
		PollInterval: 5 * time.Millisecond,
		BatchWait:    time.Millisecond,
	}
}

func backendCases() []backendCase {
	return []backendCase{
		{"memory", func(t *testing.T) Store {
			return NewMemory(testOptions())
		}},
		{"pebble", func(t *testing.T) Store {
			st, err := NewPebble(t.TempDir(), testOptions())
			require.NoError(t, err)
			return st
		}},
		{"sqlite", func(t *testing.T) Store {
			st, err := NewSQLite(filepath.Join(t.TempDir(), "store.db"), testOptions())
			require.NoError(t, err)
			return st
		}},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, bc := range backendCases() {
		t.Run(bc.name, func(t *testing.T) {
			st := bc.open(t)
			defer st.Close()
			fn(t, st)
		})
	}
}

func nextRecord(t *testing.T, s ChangeStream) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := s.Next(ctx)
	require.NoError(t, err)
	return rec
}

func TestStoreEnsureTable(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		created, err := st.EnsureTable(ctx, "messages")
		require.NoError(t, err)
		assert.True(t, created)

		created, err = st.EnsureTable(ctx, "messages")
		require.NoError(t, err)
		assert.False(t, created)

		for _, bad := range []string{"", "9starts_with_digit", "has space", "has-dash", "a;drop"} {
			_, err := st.EnsureTable(ctx, bad)
			assert.Error(t, err, "table %q", bad)
		}
	})
}

func TestStoreUnknownTable(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		_, err := st.Upsert(ctx, "nope", Record{Topic: []byte("t"), Changed: "x"})
		assert.ErrorIs(t, err, ErrNoTable)
		_, err = st.Changes(ctx, "nope", nil)
		assert.ErrorIs(t, err, ErrNoTable)
		_, err = st.Scan(ctx, "nope", 0)
		assert.ErrorIs(t, err, ErrNoTable)
		_, err = st.Stats(ctx, "nope")
		assert.ErrorIs(t, err, ErrNoTable)
	})
}

func TestStoreUpsertAndScan(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.EnsureTable(ctx, "messages")
		require.NoError(t, err)

		for _, topic := range []string{"charlie", "alpha", "bravo"} {
			res, err := st.Upsert(ctx, "messages", Record{
				Topic:   []byte(topic),
				Payload: []byte("v1-" + topic),
				Changed: "m1-" + topic,
			})
			require.NoError(t, err)
			assert.True(t, res.Created, "topic %s", topic)
		}

		res, err := st.Upsert(ctx, "messages", Record{
			Topic:   []byte("bravo"),
			Payload: []byte("v2-bravo"),
			Changed: "m2-bravo",
		})
		require.NoError(t, err)
		assert.False(t, res.Created)

		recs, err := st.Scan(ctx, "messages", 0)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "alpha", string(recs[0].Topic))
		assert.Equal(t, "bravo", string(recs[1].Topic))
		assert.Equal(t, "charlie", string(recs[2].Topic))
		assert.Equal(t, "v2-bravo", string(recs[1].Payload))
		assert.Equal(t, "m2-bravo", recs[1].Changed)

		limited, err := st.Scan(ctx, "messages", 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "alpha", string(limited[0].Topic))
		assert.Equal(t, "bravo", string(limited[1].Topic))
	})
}

func TestStoreChangesDelivery(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.EnsureTable(ctx, "messages")
		require.NoError(t, err)

		// Written before anyone subscribes; never delivered
		_, err = st.Upsert(ctx, "messages", Record{Topic: []byte("early"), Changed: "early"})
		require.NoError(t, err)

		stream, err := st.Changes(ctx, "messages", nil)
		require.NoError(t, err)
		defer stream.Close()

		want := []string{"one", "two", "three", "four", "five"}
		for _, topic := range want {
			_, err := st.Upsert(ctx, "messages", Record{
				Topic:   []byte(topic),
				Payload: []byte("payload-" + topic),
				Changed: "marker-" + topic,
			})
			require.NoError(t, err)
		}

		for _, topic := range want {
			rec := nextRecord(t, stream)
			assert.Equal(t, topic, string(rec.Topic))
			assert.Equal(t, "payload-"+topic, string(rec.Payload))
			assert.Equal(t, "marker-"+topic, rec.Changed)
		}
	})
}

func TestStoreChangesFilter(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.EnsureTable(ctx, "messages")
		require.NoError(t, err)

		f := FilterFunc(func(rec *Record) bool {
			return strings.HasPrefix(string(rec.Topic), "keep.")
		})
		stream, err := st.Changes(ctx, "messages", f)
		require.NoError(t, err)
		defer stream.Close()

		for _, topic := range []string{"drop.a", "keep.a", "drop.b", "keep.b"} {
			_, err := st.Upsert(ctx, "messages", Record{Topic: []byte(topic), Changed: topic})
			require.NoError(t, err)
		}

		assert.Equal(t, "keep.a", string(nextRecord(t, stream).Topic))
		assert.Equal(t, "keep.b", string(nextRecord(t, stream).Topic))
	})
}

func TestStoreStats(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.EnsureTable(ctx, "messages")
		require.NoError(t, err)

		stats, err := st.Stats(ctx, "messages")
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Records)
		assert.Equal(t, 0, stats.Streams)

		for _, topic := range []string{"a", "b"} {
			_, err := st.Upsert(ctx, "messages", Record{Topic: []byte(topic), Changed: topic})
			require.NoError(t, err)
		}
		s1, err := st.Changes(ctx, "messages", nil)
		require.NoError(t, err)
		s2, err := st.Changes(ctx, "messages", nil)
		require.NoError(t, err)

		stats, err = st.Stats(ctx, "messages")
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.Records)
		assert.Equal(t, 2, stats.Streams)

		require.NoError(t, s1.Close())
		stats, err = st.Stats(ctx, "messages")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Streams)
		require.NoError(t, s2.Close())
	})
}

func TestStoreTables(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		names, err := st.Tables(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)

		for _, name := range []string{"zebra", "apple", "mango"} {
			_, err := st.EnsureTable(ctx, name)
			require.NoError(t, err)
		}
		names, err = st.Tables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"apple", "mango", "zebra"}, names)
	})
}

func TestStoreClose(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.EnsureTable(ctx, "messages")
		require.NoError(t, err)
		stream, err := st.Changes(ctx, "messages", nil)
		require.NoError(t, err)

		require.NoError(t, st.Close())
		require.NoError(t, st.Close())

		_, err = st.EnsureTable(ctx, "other")
		assert.ErrorIs(t, err, ErrClosed)
		_, err = st.Upsert(ctx, "messages", Record{Topic: []byte("t"), Changed: "x"})
		assert.ErrorIs(t, err, ErrClosed)
		_, err = st.Scan(ctx, "messages", 0)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = st.Tables(ctx)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = st.Stats(ctx, "messages")
		assert.ErrorIs(t, err, ErrClosed)
		_, err = st.Changes(ctx, "messages", nil)
		assert.ErrorIs(t, err, ErrClosed)

		_, err = stream.Next(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestStoreLargePayloadRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.EnsureTable(ctx, "messages")
		require.NoError(t, err)

		stream, err := st.Changes(ctx, "messages", nil)
		require.NoError(t, err)
		defer stream.Close()

		// Well past the compression threshold and highly compressible
		payload := []byte(strings.Repeat("all work and no play makes a dull exchange ", 300))
		_, err = st.Upsert(ctx, "messages", Record{
			Topic:   []byte("big"),
			Payload: payload,
			Changed: "m1",
		})
		require.NoError(t, err)

		rec := nextRecord(t, stream)
		assert.Equal(t, payload, rec.Payload)

		recs, err := st.Scan(ctx, "messages", 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, payload, recs[0].Payload)
	})
}

func TestStoreConcurrentUpsertSameTopic(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.EnsureTable(ctx, "messages")
		require.NoError(t, err)

		stream, err := st.Changes(ctx, "messages", nil)
		require.NoError(t, err)
		defer stream.Close()

		const writers = 8
		var wg sync.WaitGroup
		results := make([]UpsertResult, writers)
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = st.Upsert(ctx, "messages", Record{
					Topic:   []byte("contended"),
					Payload: []byte{byte(i)},
					Changed: string(rune('a' + i)),
				})
			}(i)
		}
		wg.Wait()

		created := 0
		for i := 0; i < writers; i++ {
			require.NoError(t, errs[i], "writer %d", i)
			if results[i].Created {
				created++
			}
		}
		assert.Equal(t, 1, created, "exactly one writer should observe the insert")

		recs, err := st.Scan(ctx, "messages", 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)

		for i := 0; i < writers; i++ {
			rec := nextRecord(t, stream)
			assert.Equal(t, "contended", string(rec.Topic))
		}
	})
}

func BenchmarkMemoryUpsert(b *testing.B) {
	st := NewMemory(Options{})
	defer st.Close()

	ctx := context.Background()
	if _, err := st.EnsureTable(ctx, "bench"); err != nil {
		b.Fatal(err)
	}
	rec := Record{Topic: []byte("bench-topic"), Payload: []byte("payload"), Changed: "m"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := st.Upsert(ctx, "bench", rec); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPebbleUpsert(b *testing.B) {
	st, err := NewPebble(b.TempDir(), Options{})
	if err != nil {
		b.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.EnsureTable(ctx, "bench"); err != nil {
		b.Fatal(err)
	}
	rec := Record{Topic: []byte("bench-topic"), Payload: []byte("payload"), Changed: "m"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := st.Upsert(ctx, "bench", rec); err != nil {
			b.Fatal(err)
		}
	}
}
