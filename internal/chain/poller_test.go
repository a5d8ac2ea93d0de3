package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spboyer/guardrail/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPoller(b *fakeBackend, maxRange uint64) *LogPoller {
	return NewLogPoller(b, testContract, common.HexToAddress("0x123"), LogPollerOptions{
		Interval:      5 * time.Millisecond,
		MaxBlockRange: maxRange,
	})
}

func nextBatch(t *testing.T, sub Subscription) Batch {
	t.Helper()
	select {
	case b := <-sub.Batches():
		return b
	case err := <-sub.Err():
		t.Fatalf("subscription failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
	return Batch{}
}

func TestLogPoller_DeliversInOrder(t *testing.T) {
	b := newFakeBackend()
	b.head = 20
	b.logs = append(b.logs,
		taskLog(t, 12, 1, models.Task{Contents: "one", TaskCreatedBlock: 11}),
		taskLog(t, 12, 2, models.Task{Contents: "two", TaskCreatedBlock: 11}),
		taskLog(t, 15, 3, models.Task{Contents: "three", TaskCreatedBlock: 14}),
	)

	sub, err := newTestPoller(b, 100).Subscribe(context.Background(), 10)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	batch := nextBatch(t, sub)
	require.Len(t, batch.Events, 3)
	assert.Equal(t, []uint32{1, 2, 3}, []uint32{batch.Events[0].TaskIndex, batch.Events[1].TaskIndex, batch.Events[2].TaskIndex})
	assert.Equal(t, uint64(10), batch.FromBlock)
	assert.Equal(t, uint64(20), batch.ToBlock)

	require.Eventually(t, func() bool { return sub.Next() == 21 }, time.Second, time.Millisecond)
}

func TestLogPoller_SplitsRanges(t *testing.T) {
	b := newFakeBackend()
	b.head = 25
	b.logs = append(b.logs,
		taskLog(t, 3, 1, models.Task{Contents: "a"}),
		taskLog(t, 24, 2, models.Task{Contents: "b"}),
	)

	sub, err := newTestPoller(b, 10).Subscribe(context.Background(), 1)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := nextBatch(t, sub)
	assert.Equal(t, uint64(1), first.FromBlock)
	assert.Equal(t, uint64(10), first.ToBlock)
	require.Len(t, first.Events, 1)

	second := nextBatch(t, sub)
	assert.Equal(t, uint64(21), second.FromBlock)
	assert.Equal(t, uint64(25), second.ToBlock)
	require.Len(t, second.Events, 1)
	assert.Equal(t, uint32(2), second.Events[0].TaskIndex)
}

func TestLogPoller_FollowsHead(t *testing.T) {
	b := newFakeBackend()
	b.head = 5

	sub, err := newTestPoller(b, 100).Subscribe(context.Background(), 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return sub.Next() == 6 }, time.Second, time.Millisecond)

	b.mu.Lock()
	b.logs = append(b.logs, taskLog(t, 7, 9, models.Task{Contents: "late"}))
	b.mu.Unlock()
	b.setHead(8)

	batch := nextBatch(t, sub)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, uint32(9), batch.Events[0].TaskIndex)
}

func TestLogPoller_SkipsMalformedAndRemoved(t *testing.T) {
	b := newFakeBackend()
	b.head = 3

	bad := taskLog(t, 2, 1, models.Task{Contents: "bad"})
	bad.Data = []byte{0xff}
	removed := taskLog(t, 2, 2, models.Task{Contents: "reorged"})
	removed.Removed = true
	b.logs = append(b.logs, bad, removed, taskLog(t, 3, 3, models.Task{Contents: "ok"}))

	sub, err := newTestPoller(b, 100).Subscribe(context.Background(), 1)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	batch := nextBatch(t, sub)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, uint32(3), batch.Events[0].TaskIndex)
}

func TestLogPoller_SubscribeFailsFast(t *testing.T) {
	b := newFakeBackend()
	b.headErr = errors.New("connection refused")

	_, err := newTestPoller(b, 100).Subscribe(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestLogPoller_ReportsTransportError(t *testing.T) {
	b := newFakeBackend()
	b.head = 10
	b.filterErr = errors.New("EOF")

	sub, err := newTestPoller(b, 100).Subscribe(context.Background(), 5)
	require.NoError(t, err)

	select {
	case err := <-sub.Err():
		require.Error(t, err)
		assert.Contains(t, err.Error(), "EOF")
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription error")
	}

	// the failed range was not consumed
	assert.Equal(t, uint64(5), sub.Next())
	sub.Unsubscribe()

	_, open := <-sub.Err()
	assert.False(t, open)
}

func TestLogPoller_UnsubscribeIsIdempotent(t *testing.T) {
	b := newFakeBackend()
	b.head = 1

	sub, err := newTestPoller(b, 100).Subscribe(context.Background(), 0)
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()
}
