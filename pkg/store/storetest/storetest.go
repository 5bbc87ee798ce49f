// Package storetest holds conformance tests shared by every store adapter.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/store"
)

var (
	typeCreated = domain.NewEventType("storetest", "created")
	typeRenamed = domain.NewEventType("storetest", "renamed")
	typeOther   = domain.NewEventType("othertest", "created")
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Envelope builds a raw envelope of type t at time at carrying data.
func Envelope(t domain.EventType, at time.Time, data string) domain.RawEnvelope {
	return domain.RawEnvelope{
		ID:      uuid.New(),
		Type:    t,
		Data:    json.RawMessage(data),
		Context: domain.Context{Action: "test", Time: at},
	}
}

func ids(envs []domain.RawEnvelope) []uuid.UUID {
	out := make([]uuid.UUID, len(envs))
	for i, e := range envs {
		out[i] = e.ID
	}
	return out
}

// RunEventLogTests exercises the store.EventLog contract. newLog must return
// an empty log; the test closes it.
func RunEventLogTests(t *testing.T, newLog func(t *testing.T) store.EventLog) {
	ctx := context.Background()

	t.Run("append and read back", func(t *testing.T) {
		log := newLog(t)
		defer log.Close()

		env := Envelope(typeCreated, base, `{"name":"alpha","count":1}`)
		env.Context.Subject = json.RawMessage(`{"user":"u1"}`)
		require.NoError(t, log.Append(ctx, env))

		got, err := log.ReadSince(ctx, store.ByType(typeCreated), time.Time{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, env.ID, got[0].ID)
		assert.Equal(t, typeCreated, got[0].Type)
		assert.JSONEq(t, string(env.Data), string(got[0].Data))
		assert.JSONEq(t, `{"user":"u1"}`, string(got[0].Context.Subject))
		assert.Equal(t, "test", got[0].Context.Action)
		assert.True(t, base.Equal(got[0].Context.Time), "time %v != %v", got[0].Context.Time, base)
	})

	t.Run("append is idempotent", func(t *testing.T) {
		log := newLog(t)
		defer log.Close()

		env := Envelope(typeCreated, base, `{"name":"alpha"}`)
		require.NoError(t, log.Append(ctx, env))
		require.NoError(t, log.Append(ctx, env))

		got, err := log.ReadSince(ctx, store.ByType(typeCreated), time.Time{})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("same id under different types is distinct", func(t *testing.T) {
		log := newLog(t)
		defer log.Close()

		a := Envelope(typeCreated, base, `{}`)
		b := a
		b.Type = typeRenamed
		require.NoError(t, log.Append(ctx, a))
		require.NoError(t, log.Append(ctx, b))

		got, err := log.ReadSince(ctx, store.ByType(typeCreated, typeRenamed), time.Time{})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("read since is inclusive and ordered", func(t *testing.T) {
		log := newLog(t)
		defer log.Close()

		e3 := Envelope(typeCreated, base.Add(3*time.Second), `{}`)
		e1 := Envelope(typeCreated, base.Add(1*time.Second), `{}`)
		e2a := Envelope(typeRenamed, base.Add(2*time.Second), `{}`)
		e2b := Envelope(typeCreated, base.Add(2*time.Second), `{}`)
		for _, e := range []domain.RawEnvelope{e3, e1, e2a, e2b} {
			require.NoError(t, log.Append(ctx, e))
		}

		q := store.ByType(typeCreated, typeRenamed)

		all, err := log.ReadSince(ctx, q, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, ids([]domain.RawEnvelope{e1, e2a, e2b, e3}), ids(all))

		since, err := log.ReadSince(ctx, q, base.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, ids([]domain.RawEnvelope{e2a, e2b, e3}), ids(since))

		none, err := log.ReadSince(ctx, q, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("types outside the query are excluded", func(t *testing.T) {
		log := newLog(t)
		defer log.Close()

		require.NoError(t, log.Append(ctx, Envelope(typeCreated, base, `{}`)))
		require.NoError(t, log.Append(ctx, Envelope(typeOther, base, `{}`)))

		got, err := log.ReadSince(ctx, store.ByType(typeOther), time.Time{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, typeOther, got[0].Type)
	})

	t.Run("field filters", func(t *testing.T) {
		log := newLog(t)
		defer log.Close()

		alpha := Envelope(typeCreated, base, `{"name":"alpha","owner":{"id":"o1"},"count":2,"active":true}`)
		beta := Envelope(typeCreated, base.Add(time.Second), `{"name":"beta","owner":{"id":"o2"},"count":3,"active":false}`)
		require.NoError(t, log.Append(ctx, alpha))
		require.NoError(t, log.Append(ctx, beta))

		cases := []struct {
			name  string
			query store.Selector
			want  []uuid.UUID
		}{
			{"string", store.ByType(typeCreated).Where("name", "beta"), []uuid.UUID{beta.ID}},
			{"nested", store.ByType(typeCreated).Where("owner.id", "o1"), []uuid.UUID{alpha.ID}},
			{"number", store.ByType(typeCreated).Where("count", 3), []uuid.UUID{beta.ID}},
			{"bool", store.ByType(typeCreated).Where("active", true), []uuid.UUID{alpha.ID}},
			{"combined", store.ByType(typeCreated).Where("name", "alpha").Where("count", 3), []uuid.UUID{}},
			{"missing field", store.ByType(typeCreated).Where("absent", "x"), []uuid.UUID{}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				got, err := log.ReadSince(ctx, tc.query, time.Time{})
				require.NoError(t, err)
				assert.Equal(t, tc.want, ids(got))
			})
		}
	})

	t.Run("unsupported query", func(t *testing.T) {
		log := newLog(t)
		defer log.Close()

		_, err := log.ReadSince(ctx, foreignQuery{}, time.Time{})
		assert.ErrorIs(t, err, domain.ErrUnsupportedQuery)
	})

	t.Run("last event", func(t *testing.T) {
		log := newLog(t)
		defer log.Close()

		_, err := log.LastEvent(ctx, typeCreated)
		assert.ErrorIs(t, err, domain.ErrEventNotFound)

		first := Envelope(typeCreated, base.Add(time.Minute), `{"n":1}`)
		second := Envelope(typeCreated, base, `{"n":2}`)
		require.NoError(t, log.Append(ctx, first))
		require.NoError(t, log.Append(ctx, second))
		require.NoError(t, log.Append(ctx, Envelope(typeRenamed, base, `{}`)))

		last, err := log.LastEvent(ctx, typeCreated)
		require.NoError(t, err)
		assert.Equal(t, second.ID, last.ID)
	})

	t.Run("concurrent appends", func(t *testing.T) {
		log := newLog(t)
		defer log.Close()

		const writers, perWriter = 4, 10
		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					data := fmt.Sprintf(`{"writer":%d,"i":%d}`, w, i)
					errs <- log.Append(ctx, Envelope(typeCreated, base.Add(time.Duration(i)*time.Millisecond), data))
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := log.ReadSince(ctx, store.ByType(typeCreated), time.Time{})
		require.NoError(t, err)
		assert.Len(t, got, writers*perWriter)
	})
}

// RunSnapshotCacheTests exercises the store.SnapshotCache contract.
func RunSnapshotCacheTests(t *testing.T, newCache func(t *testing.T) store.SnapshotCache) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		cache := newCache(t)
		_, err := cache.Get(ctx, "absent")
		assert.True(t, errors.Is(err, domain.ErrSnapshotNotFound), "got %v", err)
	})

	t.Run("set then get", func(t *testing.T) {
		cache := newCache(t)
		boundary := []uuid.UUID{uuid.New(), uuid.New()}
		snap := &store.Snapshot{
			State:     json.RawMessage(`{"value":3}`),
			Watermark: base.Add(1500 * time.Millisecond),
			Boundary:  boundary,
		}
		require.NoError(t, cache.Set(ctx, "counter:abc", snap))

		got, err := cache.Get(ctx, "counter:abc")
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":3}`, string(got.State))
		assert.True(t, snap.Watermark.Equal(got.Watermark))
		assert.ElementsMatch(t, boundary, got.Boundary)
	})

	t.Run("last write wins", func(t *testing.T) {
		cache := newCache(t)
		require.NoError(t, cache.Set(ctx, "k", &store.Snapshot{State: json.RawMessage(`1`), Watermark: base}))
		require.NoError(t, cache.Set(ctx, "k", &store.Snapshot{State: json.RawMessage(`2`), Watermark: base.Add(time.Second)}))

		got, err := cache.Get(ctx, "k")
		require.NoError(t, err)
		assert.JSONEq(t, `2`, string(got.State))
		assert.True(t, base.Add(time.Second).Equal(got.Watermark))
		assert.Empty(t, got.Boundary)
	})

	t.Run("keys are independent", func(t *testing.T) {
		cache := newCache(t)
		require.NoError(t, cache.Set(ctx, "a", &store.Snapshot{State: json.RawMessage(`"a"`), Watermark: base}))

		_, err := cache.Get(ctx, "b")
		assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		cache := newCache(t)
		require.NoError(t, cache.Set(ctx, "a", &store.Snapshot{State: json.RawMessage(`"a"`), Watermark: base}))
		require.NoError(t, cache.Set(ctx, "b", &store.Snapshot{State: json.RawMessage(`"b"`), Watermark: base}))

		require.NoError(t, cache.Delete(ctx, "a"))
		require.NoError(t, cache.Delete(ctx, "absent"))

		_, err := cache.Get(ctx, "a")
		assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
		_, err = cache.Get(ctx, "b")
		assert.NoError(t, err)
	})
}

type foreignQuery struct{}

func (foreignQuery) UniqueID() string { return "foreign" }
