package store_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/store"
)

var (
	placed    = domain.NewEventType("shop", "order_placed")
	cancelled = domain.NewEventType("shop", "order_cancelled")
)

type rawQuery string

func (q rawQuery) UniqueID() string { return string(q) }

func TestSelector_UniqueID(t *testing.T) {
	t.Run("independent of construction order", func(t *testing.T) {
		a := store.ByType(placed, cancelled).Where("order", "o-1").Where("customer.tier", "gold")
		b := store.ByType(cancelled, placed, cancelled).Where("customer.tier", "gold").Where("order", "o-1")
		assert.Equal(t, a.UniqueID(), b.UniqueID())
		assert.Len(t, a.UniqueID(), 64)
	})

	t.Run("differs by selection", func(t *testing.T) {
		ids := map[string]bool{}
		for _, q := range []store.Selector{
			store.ByType(placed),
			store.ByType(cancelled),
			store.ByType(placed, cancelled),
			store.ByType(placed).Where("order", "o-1"),
			store.ByType(placed).Where("order", "o-2"),
			store.ByType(placed).Where("order", 1),
			store.ByType(placed).Where("order", "1"),
		} {
			id := q.UniqueID()
			assert.False(t, ids[id], q.String())
			ids[id] = true
		}
	})

	t.Run("immutable", func(t *testing.T) {
		base := store.ByType(placed)
		_ = base.Where("order", "o-1")
		assert.Empty(t, base.Filters())
	})
}

func TestSelector_Validate(t *testing.T) {
	assert.NoError(t, store.ByType(placed).Where("a.b", true).Validate())
	assert.Error(t, store.ByType().Validate())
	assert.Error(t, store.ByType(domain.NewEventType("bad.ns", "x")).Validate())
	assert.Error(t, store.ByType(placed).Where("a..b", 1).Validate())
	assert.Error(t, store.ByType(placed).Where("order", map[string]int{"x": 1}).Validate())
	assert.Error(t, store.ByType(placed).Where("order", []int{1}).Validate())
}

func TestSelector_Matches(t *testing.T) {
	env := domain.RawEnvelope{
		ID:      uuid.New(),
		Type:    placed,
		Data:    json.RawMessage(`{"order":"o-1","total":30,"paid":true,"customer":{"tier":"gold"},"note":null}`),
		Context: domain.Context{Time: time.Now()},
	}

	for name, tc := range map[string]struct {
		q    store.Selector
		want bool
	}{
		"type only":       {store.ByType(placed), true},
		"other type":      {store.ByType(cancelled), false},
		"string":          {store.ByType(placed).Where("order", "o-1"), true},
		"string mismatch": {store.ByType(placed).Where("order", "o-2"), false},
		"number":          {store.ByType(placed).Where("total", 30), true},
		"number as text":  {store.ByType(placed).Where("total", "30"), false},
		"bool":            {store.ByType(placed).Where("paid", true), true},
		"nested":          {store.ByType(placed).Where("customer.tier", "gold"), true},
		"null":            {store.ByType(placed).Where("note", nil), true},
		"missing field":   {store.ByType(placed).Where("coupon", "x"), false},
		"combined":        {store.ByType(placed).Where("order", "o-1").Where("customer.tier", "silver"), false},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.q.Matches(env))
		})
	}
}

func TestAsSelector(t *testing.T) {
	q := store.ByType(placed)

	got, err := store.AsSelector(q)
	require.NoError(t, err)
	assert.Equal(t, q.UniqueID(), got.UniqueID())

	got, err = store.AsSelector(&q)
	require.NoError(t, err)
	assert.Equal(t, q.UniqueID(), got.UniqueID())

	_, err = store.AsSelector(rawQuery("x"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedQuery)

	_, err = store.AsSelector((*store.Selector)(nil))
	assert.ErrorIs(t, err, domain.ErrUnsupportedQuery)
}

func TestCacheKey(t *testing.T) {
	q := store.ByType(placed)
	assert.Equal(t, "orders:"+q.UniqueID(), store.CacheKey("orders", q))
	assert.NotEqual(t, store.CacheKey("orders", q), store.CacheKey("revenue", q))
}

func TestSnapshot_Folded(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	folded, other := uuid.New(), uuid.New()
	snap := &store.Snapshot{Watermark: at, Boundary: []uuid.UUID{folded}}

	assert.True(t, snap.Folded(other, at.Add(-time.Second)))
	assert.True(t, snap.Folded(folded, at))
	assert.False(t, snap.Folded(other, at))
	assert.False(t, snap.Folded(other, at.Add(time.Second)))

	var none *store.Snapshot
	assert.False(t, none.Folded(folded, at))
}
