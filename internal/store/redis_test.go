package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/orderbridge/internal/order"
)

func newTestStore(t *testing.T, ttl time.Duration) (*RedisSnapshotStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSnapshotStore(client, ttl), mr
}

func trackedOrder() order.TrackingState {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	o := order.New("O1", "BTC-USDT", order.SideBuy, order.KindLimit,
		decimal.NewFromInt(100), decimal.NewFromInt(2), created)
	_, _ = o.BindExchangeID("42")
	o.ApplyTrade(order.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "O1",
		TradingPair:     "BTC-USDT",
		FillPrice:       decimal.NewFromInt(100),
		FillBaseAmount:  decimal.NewFromInt(1),
		FillQuoteAmount: decimal.NewFromInt(100),
		Fee:             order.FlatFee("USDT", decimal.RequireFromString("0.1")),
		Timestamp:       created.Add(time.Second),
	}, decimal.Zero)
	return o.TrackingState()
}

func TestRedisSnapshotStore_SaveLoad(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()

	states, err := s.Load(ctx, "binance")
	require.NoError(t, err)
	assert.Nil(t, states, "missing snapshot")

	require.NoError(t, s.Save(ctx, "binance", []order.TrackingState{trackedOrder()}))
	assert.True(t, mr.Exists("orderbridge:tracking:binance"))

	states, err = s.Load(ctx, "binance")
	require.NoError(t, err)
	require.Len(t, states, 1)

	restored := order.FromTrackingState(states[0])
	assert.Equal(t, "42", restored.ExchangeOrderID)
	assert.Equal(t, order.StatePartiallyFilled, restored.State)
	assert.True(t, restored.HasTrade("T1"))
	assert.True(t, decimal.NewFromInt(1).Equal(restored.ExecutedBase))
	assert.True(t, decimal.RequireFromString("0.1").Equal(restored.Fees["USDT"]))

	states, err = s.Load(ctx, "paper")
	require.NoError(t, err)
	assert.Empty(t, states, "snapshots are per connector")
}

func TestRedisSnapshotStore_Overwrite(t *testing.T) {
	s, _ := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "binance", []order.TrackingState{trackedOrder()}))
	require.NoError(t, s.Save(ctx, "binance", nil))

	states, err := s.Load(ctx, "binance")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestRedisSnapshotStore_TTL(t *testing.T) {
	s, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "binance", []order.TrackingState{trackedOrder()}))
	assert.Equal(t, time.Hour, mr.TTL(Key("binance")))

	mr.FastForward(2 * time.Hour)
	states, err := s.Load(ctx, "binance")
	require.NoError(t, err)
	assert.Nil(t, states)
}

func TestRedisSnapshotStore_Delete(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "binance", []order.TrackingState{trackedOrder()}))
	require.NoError(t, s.Delete(ctx, "binance"))
	assert.False(t, mr.Exists(Key("binance")))
	require.NoError(t, s.Ping(ctx))
}

func TestRedisSnapshotStore_Errors(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, mr.Set(Key("binance"), "not json"))
	_, err := s.Load(ctx, "binance")
	assert.Error(t, err)

	mr.Close()
	assert.Error(t, s.Save(ctx, "binance", nil))
	assert.Error(t, s.Ping(ctx))
}

func TestRedisSnapshotStore_SchemaVersion(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, mr.Set(Key("legacy"), `{"connector":"legacy","orders":[]}`))
	states, err := s.Load(ctx, "legacy")
	require.NoError(t, err, "unversioned snapshots are read as 1.0")
	assert.Empty(t, states)

	require.NoError(t, mr.Set(Key("future"), `{"schema_version":"2.0","connector":"future","orders":[]}`))
	_, err = s.Load(ctx, "future")
	assert.ErrorIs(t, err, ErrIncompatibleSnapshot)

	require.NoError(t, s.Save(ctx, "binance", nil))
	raw, err := mr.Get(Key("binance"))
	require.NoError(t, err)
	assert.Contains(t, raw, `"schema_version":"`+SchemaVersion+`"`)
}
