package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const memoryVersion = "memory 1.0"

func init() {
	Register("memory", memoryVersion, openMemory)
}

var (
	clustersMu sync.Mutex
	clusters   = map[string]*MemoryCluster{}
)

// MemoryCluster is an in-process cluster with one broker. Handles opened by
// the "memory" driver attach to it when one of their brokers equals Addr().
type MemoryCluster struct {
	addr       string
	partitions int32

	mu        sync.Mutex
	logs      map[string][][]*Message
	committed map[string]int64
	changed   chan struct{}
	handles   map[*memHandle]struct{}
	fail      map[string]error
}

// NewMemoryCluster registers a cluster reachable at "<name>:9092" whose
// auto-created topics have the given number of partitions.
func NewMemoryCluster(name string, partitions int32) *MemoryCluster {
	if partitions <= 0 {
		partitions = 1
	}
	c := &MemoryCluster{
		addr:       name + ":9092",
		partitions: partitions,
		logs:       map[string][][]*Message{},
		committed:  map[string]int64{},
		changed:    make(chan struct{}),
		handles:    map[*memHandle]struct{}{},
		fail:       map[string]error{},
	}
	clustersMu.Lock()
	clusters[c.addr] = c
	clustersMu.Unlock()
	return c
}

func (c *MemoryCluster) Addr() string { return c.addr }

// Close unregisters the cluster. Open handles keep working.
func (c *MemoryCluster) Close() {
	clustersMu.Lock()
	if clusters[c.addr] == c {
		delete(clusters, c.addr)
	}
	clustersMu.Unlock()
}

// CreateTopic creates name with n partitions unless it already exists. A
// non-positive n creates a single partition.
func (c *MemoryCluster) CreateTopic(name string, n int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		n = 1
	}
	if _, ok := c.logs[name]; !ok {
		c.logs[name] = make([][]*Message, n)
	}
}

// Append writes a record as if another client had produced it and returns
// its offset.
func (c *MemoryCluster) Append(topic string, partition int32, key, payload []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(topic, partition, key, payload)
}

func (c *MemoryCluster) appendLocked(topic string, partition int32, key, payload []byte) (int64, error) {
	parts := c.topicLocked(topic)
	if partition < 0 || int(partition) >= len(parts) {
		return 0, NewError(CodeUnknownPartition, "%s [%d]", topic, partition)
	}
	off := int64(len(parts[partition]))
	parts[partition] = append(parts[partition], &Message{
		Topic:     topic,
		Partition: partition,
		Offset:    off,
		Key:       cloneBytes(key),
		Payload:   cloneBytes(payload),
		Timestamp: time.Now(),
	})
	close(c.changed)
	c.changed = make(chan struct{})
	return off, nil
}

func (c *MemoryCluster) topicLocked(topic string) [][]*Message {
	parts, ok := c.logs[topic]
	if !ok {
		parts = make([][]*Message, c.partitions)
		c.logs[topic] = parts
	}
	return parts
}

// Len returns the number of records in a partition.
func (c *MemoryCluster) Len(topic string, partition int32) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts := c.logs[topic]
	if int(partition) >= len(parts) || partition < 0 {
		return 0
	}
	return int64(len(parts[partition]))
}

// Committed returns the offset stored for group on a partition.
func (c *MemoryCluster) Committed(group, topic string, partition int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.committed[commitKey(group, topic, partition)]
	return off, ok
}

func commitKey(group, topic string, partition int32) string {
	return fmt.Sprintf("%s/%s/%d", group, topic, partition)
}

// FailNext makes the next call of op fail with err. Ops are "produce",
// "start", "stop", "consume" and "metadata".
func (c *MemoryCluster) FailNext(op string, err error) {
	c.mu.Lock()
	c.fail[op] = err
	c.mu.Unlock()
}

func (c *MemoryCluster) failure(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.fail[op]
	delete(c.fail, op)
	return err
}

func (c *MemoryCluster) each(fn func(h *memHandle)) {
	c.mu.Lock()
	hs := make([]*memHandle, 0, len(c.handles))
	for h := range c.handles {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		fn(h)
	}
}

// EmitError fires the error callback of every attached handle from the
// calling goroutine.
func (c *MemoryCluster) EmitError(code Code, reason string) {
	c.each(func(h *memHandle) {
		if h.cbs.Error != nil {
			h.cbs.Error(&Error{Code: code, Reason: reason})
		}
	})
}

// EmitLog fires the log callback of every attached handle whose level
// admits it, from the calling goroutine.
func (c *MemoryCluster) EmitLog(level Level, facility, text string) {
	c.each(func(h *memHandle) { h.log(level, facility, text) })
}

// EmitStatistics queues a statistics callback on every attached handle; it
// fires on the handle's next Poll.
func (c *MemoryCluster) EmitStatistics(js []byte) {
	c.each(func(h *memHandle) {
		if h.cbs.Statistics == nil {
			return
		}
		b := cloneBytes(js)
		h.enqueue(func() { h.cbs.Statistics(b) })
	})
}

type memHandle struct {
	name string
	role Role
	cfg  Config
	cbs  Callbacks

	mu        sync.Mutex
	level     Level
	brokers   []string
	cluster   *MemoryCluster
	pending   []func()
	topics    map[string]*memTopic
	closed    bool
	produced  int64
	nextStats time.Time
}

func openMemory(role Role, cfg Config, cbs Callbacks) (Handle, error) {
	h := &memHandle{
		name:    fmt.Sprintf("%s#%s-%d", cfg.ClientID, role, handleSeq.Add(1)),
		role:    role,
		cfg:     cfg,
		cbs:     cbs,
		level:   LevelInfo,
		brokers: validBrokers(cfg.Brokers),
		topics:  map[string]*memTopic{},
	}
	if cfg.StatisticsInterval > 0 {
		h.nextStats = time.Now().Add(cfg.StatisticsInterval)
	}
	return h, nil
}

func (h *memHandle) Name() string { return h.name }
func (h *memHandle) Role() Role   { return h.role }

func (h *memHandle) SetLogLevel(l Level) {
	h.mu.Lock()
	h.level = l
	h.mu.Unlock()
}

func (h *memHandle) log(level Level, facility, text string) {
	h.mu.Lock()
	ok := h.cbs.Log != nil && level <= h.level && !h.closed
	h.mu.Unlock()
	if ok {
		h.cbs.Log(level, facility, text)
	}
}

func (h *memHandle) AddBrokers(brokers ...string) (int, error) {
	valid := validBrokers(brokers)
	if len(valid) == 0 {
		return 0, NewError(CodeInvalidArg, "no valid brokers specified")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.brokers = append(h.brokers, valid...)
	return len(valid), nil
}

// attach finds the cluster among the configured brokers on first use.
func (h *memHandle) attach() (*MemoryCluster, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrDestroyed
	}
	if h.cluster != nil {
		return h.cluster, nil
	}
	clustersMu.Lock()
	defer clustersMu.Unlock()
	for _, b := range h.brokers {
		if c, ok := clusters[b]; ok {
			c.mu.Lock()
			c.handles[h] = struct{}{}
			c.mu.Unlock()
			h.cluster = c
			return c, nil
		}
	}
	return nil, NewError(CodeTransport, "all brokers are down")
}

func (h *memHandle) enqueue(fn func()) {
	h.mu.Lock()
	if !h.closed {
		h.pending = append(h.pending, fn)
	}
	h.mu.Unlock()
}

func (h *memHandle) Poll(timeout time.Duration) int {
	h.mu.Lock()
	if !h.nextStats.IsZero() && h.cbs.Statistics != nil && !time.Now().Before(h.nextStats) {
		h.nextStats = time.Now().Add(h.cfg.StatisticsInterval)
		js, _ := json.Marshal(map[string]any{
			"name":     h.name,
			"type":     h.role.String(),
			"ts":       time.Now().UnixMicro(),
			"produced": h.produced,
		})
		h.pending = append(h.pending, func() { h.cbs.Statistics(js) })
	}
	fns := h.pending
	h.pending = nil
	h.mu.Unlock()

	if len(fns) == 0 && timeout > 0 {
		time.Sleep(min(timeout, 10*time.Millisecond))
	}
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func (h *memHandle) Metadata(ctx context.Context, topic string) (*Metadata, error) {
	c, err := h.attach()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, NewError(CodeTimedOut, "metadata: %v", err)
	}
	if err := c.failure("metadata"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	md := &Metadata{
		Brokers:      []BrokerMetadata{{ID: 0, Host: strings.TrimSuffix(c.addr, ":9092"), Port: 9092}},
		OrigBrokerID: 0,
	}
	topicMD := func(name string, parts [][]*Message) TopicMetadata {
		tm := TopicMetadata{Name: name}
		for i := range parts {
			tm.Partitions = append(tm.Partitions, PartitionMetadata{
				ID: int32(i), Leader: 0, Replicas: []int32{0}, ISRs: []int32{0},
			})
		}
		return tm
	}
	if topic != "" {
		parts, ok := c.logs[topic]
		if !ok {
			md.Topics = []TopicMetadata{{Name: topic, Err: &Error{Code: CodeUnknownTopicOrPart}}}
			return md, nil
		}
		md.Topics = []TopicMetadata{topicMD(topic, parts)}
		return md, nil
	}
	for name, parts := range c.logs {
		md.Topics = append(md.Topics, topicMD(name, parts))
	}
	return md, nil
}

func (h *memHandle) NewTopic(name string) (Topic, error) {
	if name == "" {
		return nil, NewError(CodeInvalidArg, "empty topic name")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrDestroyed
	}
	t := &memTopic{h: h, name: name, cursors: map[int32]*memCursor{}}
	h.topics[fmt.Sprintf("%s/%p", name, t)] = t
	return t, nil
}

func (h *memHandle) NewQueue() (Queue, error) {
	if h.role != RoleConsumer {
		return nil, NewError(CodeState, "handle %s is not a consumer", h.name)
	}
	return &memQueue{h: h}, nil
}

func (h *memHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.pending = nil
	c := h.cluster
	topics := h.topics
	h.topics = nil
	h.mu.Unlock()

	for _, t := range topics {
		t.stopAll()
	}
	if c != nil {
		c.mu.Lock()
		delete(c.handles, h)
		c.mu.Unlock()
	}
	return nil
}

type memTopic struct {
	h    *memHandle
	name string

	mu      sync.Mutex
	cursors map[int32]*memCursor
}

// memCursor is a started partition. Its position is guarded by the
// cluster lock.
type memCursor struct {
	topic     string
	partition int32
	next      int64
	eofAt     int64
	queue     *memQueue
	stopped   bool
}

func (t *memTopic) Name() string { return t.name }

func (t *memTopic) Produce(partition int32, payload, key []byte, opaque any) error {
	if t.h.role != RoleProducer {
		return NewError(CodeState, "handle %s is not a producer", t.h.name)
	}
	c, err := t.h.attach()
	if err != nil {
		return err
	}
	if err := c.failure("produce"); err != nil {
		return err
	}
	c.mu.Lock()
	parts := c.topicLocked(t.name)
	if partition == PartitionUA {
		f := fnv.New32a()
		_, _ = f.Write(key)
		partition = int32(f.Sum32() % uint32(len(parts)))
	}
	off, err := c.appendLocked(t.name, partition, key, payload)
	var report *Message
	if err == nil {
		report = &Message{
			Topic:     t.name,
			Partition: partition,
			Offset:    off,
			Key:       cloneBytes(key),
			Payload:   cloneBytes(payload),
			Timestamp: time.Now(),
			Opaque:    opaque,
		}
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	t.h.mu.Lock()
	t.h.produced++
	t.h.mu.Unlock()
	if t.h.cbs.DeliveryReport != nil {
		t.h.enqueue(func() { t.h.cbs.DeliveryReport(report) })
	}
	return nil
}

func (t *memTopic) ConsumeStart(partition int32, offset Offset) error {
	return t.start(partition, offset, nil)
}

func (t *memTopic) ConsumeStartQueue(partition int32, offset Offset, q Queue) error {
	mq, ok := q.(*memQueue)
	if !ok || mq.h != t.h {
		return NewError(CodeInvalidArg, "queue belongs to another handle")
	}
	return t.start(partition, offset, mq)
}

func (t *memTopic) start(partition int32, offset Offset, q *memQueue) error {
	if t.h.role != RoleConsumer {
		return NewError(CodeState, "handle %s is not a consumer", t.h.name)
	}
	c, err := t.h.attach()
	if err != nil {
		return err
	}
	if err := c.failure("start"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cursors[partition]; ok {
		return NewError(CodeState, "%s [%d] already started", t.name, partition)
	}

	c.mu.Lock()
	parts := c.topicLocked(t.name)
	if partition < 0 || int(partition) >= len(parts) {
		c.mu.Unlock()
		return NewError(CodeUnknownPartition, "%s [%d]", t.name, partition)
	}
	end := int64(len(parts[partition]))
	var next int64
	switch offset {
	case OffsetBeginning:
		next = 0
	case OffsetEnd:
		next = end
	case OffsetStored:
		if t.h.cfg.GroupID == "" {
			c.mu.Unlock()
			return NewError(CodeInvalidArg, "stored offsets need group_id")
		}
		stored, ok := c.committed[commitKey(t.h.cfg.GroupID, t.name, partition)]
		if !ok {
			stored = end
		}
		next = stored
	default:
		if n, ok := offset.Tail(); ok {
			next = max(end-n, 0)
		} else {
			next = int64(offset)
		}
	}
	cur := &memCursor{topic: t.name, partition: partition, next: next, eofAt: -1, queue: q}
	c.mu.Unlock()

	t.cursors[partition] = cur
	if q != nil {
		q.add(cur)
	}
	return nil
}

func (t *memTopic) ConsumeStop(partition int32) error {
	t.mu.Lock()
	cur, ok := t.cursors[partition]
	delete(t.cursors, partition)
	t.mu.Unlock()
	if !ok {
		return NewError(CodeState, "%s [%d] not started", t.name, partition)
	}
	t.retire(cur)
	if c := t.h.cluster; c != nil {
		if err := c.failure("stop"); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTopic) retire(cur *memCursor) {
	if c := t.h.cluster; c != nil {
		c.mu.Lock()
		cur.stopped = true
		c.mu.Unlock()
	}
	if cur.queue != nil {
		cur.queue.remove(cur)
	}
}

func (t *memTopic) ConsumeBatch(partition int32, timeout time.Duration, limit int) ([]*Message, error) {
	t.mu.Lock()
	cur, ok := t.cursors[partition]
	t.mu.Unlock()
	switch {
	case !ok:
		return nil, NewError(CodeState, "%s [%d] not started", t.name, partition)
	case cur.queue != nil:
		return nil, NewError(CodeState, "%s [%d] is routed to a queue", t.name, partition)
	}
	c := t.h.cluster
	if err := c.failure("consume"); err != nil {
		return nil, err
	}
	return c.wait(timeout, func() []*Message {
		return c.readLocked(cur, limit, t.h.cfg.EmitPartitionEOF)
	}), nil
}

func (t *memTopic) StoreOffset(partition int32, offset int64) error {
	if t.h.cfg.GroupID == "" {
		return NewError(CodeInvalidArg, "stored offsets need group_id")
	}
	c, err := t.h.attach()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.committed[commitKey(t.h.cfg.GroupID, t.name, partition)] = offset + 1
	c.mu.Unlock()
	return nil
}

func (t *memTopic) stopAll() {
	t.mu.Lock()
	cursors := t.cursors
	t.cursors = map[int32]*memCursor{}
	t.mu.Unlock()
	for _, cur := range cursors {
		t.retire(cur)
	}
}

func (t *memTopic) Close() error {
	t.stopAll()
	t.h.mu.Lock()
	for k, v := range t.h.topics {
		if v == t {
			delete(t.h.topics, k)
		}
	}
	t.h.mu.Unlock()
	return nil
}

// readLocked returns up to limit records from cur, or the end-of-partition
// marker once per position when nothing is left. Caller holds c.mu.
func (c *MemoryCluster) readLocked(cur *memCursor, limit int, eof bool) []*Message {
	if cur.stopped || limit <= 0 {
		return nil
	}
	log := c.logs[cur.topic][cur.partition]
	var out []*Message
	for cur.next < int64(len(log)) && len(out) < limit {
		m := *log[cur.next]
		out = append(out, &m)
		cur.next++
	}
	if len(out) == 0 && eof && cur.eofAt != cur.next {
		cur.eofAt = cur.next
		out = append(out, &Message{Topic: cur.topic, Partition: cur.partition, Offset: cur.next, Err: ErrPartitionEOF})
	}
	return out
}

// wait retries read until it returns something or timeout passes.
func (c *MemoryCluster) wait(timeout time.Duration, read func() []*Message) []*Message {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		out := read()
		changed := c.changed
		c.mu.Unlock()
		if len(out) > 0 {
			return out
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		t := time.NewTimer(left)
		select {
		case <-changed:
		case <-t.C:
		}
		t.Stop()
	}
}

type memQueue struct {
	h *memHandle

	mu      sync.Mutex
	cursors []*memCursor
	rr      int
	closed  bool
}

func (q *memQueue) add(cur *memCursor) {
	q.mu.Lock()
	q.cursors = append(q.cursors, cur)
	q.mu.Unlock()
}

func (q *memQueue) remove(cur *memCursor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, c := range q.cursors {
		if c == cur {
			q.cursors = append(q.cursors[:i], q.cursors[i+1:]...)
			return
		}
	}
}

func (q *memQueue) ConsumeBatch(timeout time.Duration, limit int) ([]*Message, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrDestroyed
	}
	q.h.mu.Lock()
	c := q.h.cluster
	q.h.mu.Unlock()
	if c == nil {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}
	if err := c.failure("consume"); err != nil {
		return nil, err
	}
	return c.wait(timeout, func() []*Message {
		q.mu.Lock()
		defer q.mu.Unlock()
		var out []*Message
		n := len(q.cursors)
		for i := 0; i < n && len(out) < limit; i++ {
			cur := q.cursors[(q.rr+i)%n]
			out = append(out, c.readLocked(cur, limit-len(out), q.h.cfg.EmitPartitionEOF)...)
		}
		if n > 0 {
			q.rr = (q.rr + 1) % n
		}
		return out
	}), nil
}

func (q *memQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue already closed")
	}
	q.closed = true
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
