package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memCluster(t *testing.T, partitions int32) *MemoryCluster {
	t.Helper()
	c := NewMemoryCluster(fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano()), partitions)
	t.Cleanup(c.Close)
	return c
}

func openMem(t *testing.T, c *MemoryCluster, role Role, cfg Config, cbs Callbacks) Handle {
	t.Helper()
	cfg.Brokers = []string{c.Addr()}
	if cfg.ClientID == "" {
		cfg.ClientID = "test"
	}
	h, err := Open("memory", role, cfg, cbs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestMemory_ProduceDeliveryReportOnPoll(t *testing.T) {
	c := memCluster(t, 2)
	var reports []*Message
	h := openMem(t, c, RoleProducer, Config{}, Callbacks{
		DeliveryReport: func(m *Message) { reports = append(reports, m) },
	})
	tp, err := h.NewTopic("orders")
	require.NoError(t, err)

	require.NoError(t, tp.Produce(1, []byte("a"), []byte("k"), "op-1"))
	require.NoError(t, tp.Produce(1, []byte("b"), nil, nil))
	assert.Empty(t, reports, "reports fire from Poll only")

	assert.Equal(t, 2, h.Poll(0))
	require.Len(t, reports, 2)
	assert.Equal(t, int64(0), reports[0].Offset)
	assert.Equal(t, "op-1", reports[0].Opaque)
	assert.Equal(t, []byte("b"), reports[1].Payload)
	assert.Equal(t, int64(2), c.Len("orders", 1))

	err = tp.Produce(5, []byte("x"), nil, nil)
	assert.ErrorIs(t, err, ErrUnknownPartition)
}

func TestMemory_CreateTopicWithoutPartitions(t *testing.T) {
	c := memCluster(t, 2)
	c.CreateTopic("z", 0)
	h := openMem(t, c, RoleProducer, Config{}, Callbacks{})
	tp, err := h.NewTopic("z")
	require.NoError(t, err)

	require.NoError(t, tp.Produce(PartitionUA, []byte("a"), []byte("k"), nil))
	assert.Equal(t, 1, h.Poll(0))
	assert.Equal(t, int64(1), c.Len("z", 0))
}

func TestMemory_ConsumeOffsetsAndEOF(t *testing.T) {
	c := memCluster(t, 1)
	for i := range 5 {
		_, err := c.Append("t", 0, nil, []byte{byte('0' + i)})
		require.NoError(t, err)
	}
	h := openMem(t, c, RoleConsumer, Config{EmitPartitionEOF: true}, Callbacks{})
	tp, err := h.NewTopic("t")
	require.NoError(t, err)

	require.NoError(t, tp.ConsumeStart(0, OffsetTail(2)))
	msgs, err := tp.ConsumeBatch(0, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].Offset)

	msgs, err = tp.ConsumeBatch(0, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].EOF())
	assert.Equal(t, int64(5), msgs[0].Offset)

	msgs, err = tp.ConsumeBatch(0, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "EOF is reported once per position")

	assert.Error(t, tp.ConsumeStart(0, OffsetBeginning), "already started")
	require.NoError(t, tp.ConsumeStop(0))
	assert.Equal(t, CodeState, CodeOf(tp.ConsumeStop(0)))
}

func TestMemory_ConsumeBatchWaitsForData(t *testing.T) {
	c := memCluster(t, 1)
	h := openMem(t, c, RoleConsumer, Config{}, Callbacks{})
	tp, _ := h.NewTopic("t")
	require.NoError(t, tp.ConsumeStart(0, OffsetEnd))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = c.Append("t", 0, nil, []byte("late"))
	}()
	msgs, err := tp.ConsumeBatch(0, 2*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("late"), msgs[0].Payload)

	start := time.Now()
	msgs, err = tp.ConsumeBatch(0, 30*time.Millisecond, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestMemory_QueueRoundRobin(t *testing.T) {
	c := memCluster(t, 2)
	_, _ = c.Append("a", 0, nil, []byte("a0"))
	_, _ = c.Append("a", 1, nil, []byte("a1"))
	h := openMem(t, c, RoleConsumer, Config{}, Callbacks{})
	q, err := h.NewQueue()
	require.NoError(t, err)
	tp, _ := h.NewTopic("a")
	require.NoError(t, tp.ConsumeStartQueue(0, OffsetBeginning, q))
	require.NoError(t, tp.ConsumeStartQueue(1, OffsetBeginning, q))

	_, err = tp.ConsumeBatch(0, 0, 1)
	assert.Equal(t, CodeState, CodeOf(err), "queued partitions are read through the queue")

	msgs, err := q.ConsumeBatch(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, q.Close())
	_, err = q.ConsumeBatch(0, 1)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestMemory_StoredOffsets(t *testing.T) {
	c := memCluster(t, 1)
	for range 4 {
		_, _ = c.Append("t", 0, nil, []byte("x"))
	}
	h := openMem(t, c, RoleConsumer, Config{GroupID: "g"}, Callbacks{})
	tp, _ := h.NewTopic("t")
	require.NoError(t, tp.StoreOffset(0, 1))
	off, ok := c.Committed("g", "t", 0)
	require.True(t, ok)
	assert.Equal(t, int64(2), off)

	require.NoError(t, tp.ConsumeStart(0, OffsetStored))
	msgs, _ := tp.ConsumeBatch(0, 0, 10)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[0].Offset)

	h2 := openMem(t, c, RoleConsumer, Config{}, Callbacks{})
	tp2, _ := h2.NewTopic("t")
	assert.Equal(t, CodeInvalidArg, CodeOf(tp2.StoreOffset(0, 1)))
}

func TestMemory_CallbacksAndFailures(t *testing.T) {
	c := memCluster(t, 1)
	var errs []*Error
	var logs []string
	var stats [][]byte
	h := openMem(t, c, RoleProducer, Config{}, Callbacks{
		Error:      func(e *Error) { errs = append(errs, e) },
		Log:        func(l Level, fac, text string) { logs = append(logs, fac+":"+text) },
		Statistics: func(js []byte) { stats = append(stats, js) },
	})
	tp, _ := h.NewTopic("t")
	require.NoError(t, tp.Produce(0, []byte("x"), nil, nil))

	c.EmitError(CodeTransport, "broker down")
	require.Len(t, errs, 1)
	assert.Equal(t, CodeTransport, errs[0].Code)

	c.EmitLog(LevelDebug, "FETCH", "hidden")
	c.EmitLog(LevelWarning, "FETCH", "shown")
	assert.Equal(t, []string{"FETCH:shown"}, logs)

	c.EmitStatistics([]byte(`{"n":1}`))
	assert.Empty(t, stats)
	h.Poll(0)
	require.Len(t, stats, 1)

	c.FailNext("produce", NewError(CodeQueueFull, "full"))
	assert.ErrorIs(t, tp.Produce(0, []byte("y"), nil, nil), ErrQueueFull)
	assert.NoError(t, tp.Produce(0, []byte("y"), nil, nil))
}

func TestMemory_MetadataAndBrokers(t *testing.T) {
	c := memCluster(t, 3)
	c.CreateTopic("known", 2)
	h, err := Open("memory", RoleConsumer, Config{ClientID: "m"}, Callbacks{})
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Metadata(context.Background(), "")
	assert.Equal(t, CodeTransport, CodeOf(err), "no brokers yet")

	_, err = h.AddBrokers("not a broker")
	assert.Error(t, err)
	n, err := h.AddBrokers(c.Addr())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	md, err := h.Metadata(context.Background(), "known")
	require.NoError(t, err)
	tm := md.Topic("known")
	require.NotNil(t, tm)
	assert.Len(t, tm.Partitions, 2)
	assert.Len(t, md.Brokers, 1)

	md, err = h.Metadata(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, CodeUnknownTopicOrPart, CodeOf(md.Topic("missing").Err))
}

func TestMemory_StatisticsInterval(t *testing.T) {
	c := memCluster(t, 1)
	var stats int
	h := openMem(t, c, RoleProducer, Config{StatisticsInterval: time.Millisecond}, Callbacks{
		Statistics: func([]byte) { stats++ },
	})
	time.Sleep(5 * time.Millisecond)
	h.Poll(0)
	assert.Equal(t, 1, stats)
}

func TestRegistry(t *testing.T) {
	_, err := Open("nope", RoleProducer, Config{}, Callbacks{})
	assert.ErrorIs(t, err, ErrUnknownDriver)
	v, err := Version("memory")
	require.NoError(t, err)
	assert.Equal(t, memoryVersion, v)
	assert.Contains(t, Drivers(), "sarama")
}
