package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/storage/storagetest"
)

func TestRegistry_RunsHandlersInOrder(t *testing.T) {
	r := ForEvents()

	var calls []string
	r.Add("Placed", func(_ context.Context, e event.Persisted) error {
		calls = append(calls, "first:"+e.StreamID)
		return nil
	})
	r.AddSync("Placed", func(e event.Persisted) {
		calls = append(calls, "second:"+e.StreamID)
	})
	r.AddSync("Shipped", func(event.Persisted) {
		calls = append(calls, "shipped")
	})

	err := r.Handle(context.Background(), storagetest.Persisted("order-1", 1, 1, "Placed"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first:order-1", "second:order-1"}, calls)
}

func TestRegistry_StopsAtFirstError(t *testing.T) {
	r := ForEvents()
	boom := errors.New("boom")

	var after bool
	r.Add("Placed", func(context.Context, event.Persisted) error { return boom })
	r.AddSync("Placed", func(event.Persisted) { after = true })

	err := r.Handle(context.Background(), storagetest.Persisted("order-1", 1, 1, "Placed"))
	assert.ErrorIs(t, err, boom)
	assert.False(t, after)
}

func TestRegistry_UnknownKeysAreIgnored(t *testing.T) {
	r := ForEvents()
	r.AddSync("Placed", func(event.Persisted) { t.Fatal("unexpected call") })

	assert.NoError(t, r.Handle(context.Background(), storagetest.Persisted("order-1", 1, 1, "Cancelled")))
	assert.NoError(t, r.Handle(context.Background(), event.Persisted{}))
}

type byName string

func (q byName) QueryName() string { return string(q) }

func TestForQueries(t *testing.T) {
	r := ForQueries[Named]()

	var got []string
	r.AddSync("balance", func(q Named) { got = append(got, q.QueryName()) })

	require.NoError(t, r.Handle(context.Background(), byName("balance")))
	require.NoError(t, r.Handle(context.Background(), byName("")))
	require.NoError(t, r.Handle(context.Background(), nil))
	assert.Equal(t, []string{"balance"}, got)
}

func TestForQueries_ConcreteType(t *testing.T) {
	r := ForQueries[byName]()

	n := 0
	r.AddSync("count", func(byName) { n++ })

	require.NoError(t, r.Handle(context.Background(), byName("count")))
	require.NoError(t, r.Handle(context.Background(), byName("other")))
	assert.Equal(t, 1, n)
}

type balanceQuery struct{ account string }

func (q *balanceQuery) QueryName() string { return "balance:" + q.account }

func TestForQueries_TypedNilPointerIsIgnored(t *testing.T) {
	r := ForQueries[*balanceQuery]()

	n := 0
	r.AddSync("balance:acc-1", func(*balanceQuery) { n++ })

	require.NotPanics(t, func() {
		require.NoError(t, r.Handle(context.Background(), (*balanceQuery)(nil)))
	})
	require.NoError(t, r.Handle(context.Background(), &balanceQuery{account: "acc-1"}))
	assert.Equal(t, 1, n)

	// a typed nil behind the interface is ignored as well
	named := ForQueries[Named]()
	named.AddSync("balance:", func(Named) { t.Fatal("unexpected call") })
	var q Named = (*balanceQuery)(nil)
	require.NotPanics(t, func() {
		require.NoError(t, named.Handle(context.Background(), q))
	})
}

func TestNew_NilMapperPanics(t *testing.T) {
	assert.Panics(t, func() {
		New[string, int](nil)
	})
}

func TestRegistry_CustomMapper(t *testing.T) {
	type msg struct{ kind int }
	r := New[int, *msg](func(m *msg) (int, bool) {
		if m == nil {
			return 0, false
		}
		return m.kind, true
	})

	n := 0
	r.AddSync(7, func(*msg) { n++ })

	require.NoError(t, r.Handle(context.Background(), &msg{kind: 7}))
	require.NoError(t, r.Handle(context.Background(), &msg{kind: 8}))
	require.NoError(t, r.Handle(context.Background(), nil))
	assert.Equal(t, 1, n)
}
