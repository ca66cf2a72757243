package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/rcrowley/go-metrics"
)

const saramaVersion = "IBM/sarama v1.45.2"

// enqueueTimeout bounds how long Produce waits for the producer's input
// before reporting QUEUE_FULL.
const enqueueTimeout = 50 * time.Millisecond

// served is the capacity of the per-handle queue of callbacks waiting for Poll.
const served = 4096

func init() {
	Register("sarama", saramaVersion, openSarama)
}

var handleSeq atomic.Int64

type saramaHandle struct {
	name string
	role Role
	cfg  Config
	cbs  Callbacks
	sc   *sarama.Config

	level atomic.Int32
	queue chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	brokers  []string
	client   sarama.Client
	producer sarama.AsyncProducer
	consumer sarama.Consumer
	offsets  sarama.OffsetManager
	topics   map[string]*saramaTopic
	closed   bool
}

func openSarama(role Role, cfg Config, cbs Callbacks) (Handle, error) {
	sc, err := ToSarama(cfg, role)
	if err != nil {
		return nil, err
	}
	h := &saramaHandle{
		name:    fmt.Sprintf("%s#%s-%d", cfg.ClientID, role, handleSeq.Add(1)),
		role:    role,
		cfg:     cfg,
		cbs:     cbs,
		sc:      sc,
		queue:   make(chan func(), served),
		done:    make(chan struct{}),
		brokers: validBrokers(cfg.Brokers),
		topics:  map[string]*saramaTopic{},
	}
	h.level.Store(int32(LevelInfo))
	fanout.add(h)
	if cfg.StatisticsInterval > 0 && cbs.Statistics != nil {
		h.wg.Add(1)
		go h.statsLoop(cfg.StatisticsInterval)
	}
	return h, nil
}

// ToSarama translates cfg into a sarama configuration for the given role.
func ToSarama(cfg Config, role Role) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	sc.Net.DialTimeout = cfg.connectTimeout()

	if cfg.TLS.Enabled {
		tc, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tc
	}
	if cfg.SASL.User != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASL.User, cfg.SASL.Password
		switch cfg.SASL.Mechanism {
		case SASLScramSHA256:
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{HashGeneratorFcn: scramSHA256}
			}
		case SASLScramSHA512:
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{HashGeneratorFcn: scramSHA512}
			}
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	switch role {
	case RoleProducer:
		sc.Producer.Return.Successes = true
		sc.Producer.Return.Errors = true
		sc.Producer.Partitioner = newManualOrHash
		if cfg.Topic.MessageTimeout > 0 {
			sc.Producer.Timeout = cfg.Topic.MessageTimeout
		}
		switch cfg.Topic.RequiredAcks {
		case "none":
			sc.Producer.RequiredAcks = sarama.NoResponse
		case "all":
			sc.Producer.RequiredAcks = sarama.WaitForAll
		default:
			sc.Producer.RequiredAcks = sarama.WaitForLocal
		}
	case RoleConsumer:
		sc.Consumer.Return.Errors = true
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc, sc.Validate()
}

func buildTLSConfig(c TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify} //nolint:gosec
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// manualOrHash honours an explicit partition and hashes the key otherwise.
type manualOrHash struct {
	hash sarama.Partitioner
}

func newManualOrHash(topic string) sarama.Partitioner {
	return manualOrHash{hash: sarama.NewHashPartitioner(topic)}
}

func (p manualOrHash) Partition(msg *sarama.ProducerMessage, n int32) (int32, error) {
	if msg.Partition == PartitionUA {
		return p.hash.Partition(msg, n)
	}
	if msg.Partition < 0 || msg.Partition >= n {
		return -1, ErrUnknownPartition
	}
	return msg.Partition, nil
}

func (p manualOrHash) RequiresConsistency() bool { return true }

func validBrokers(in []string) []string {
	var out []string
	for _, b := range in {
		if host, port, err := net.SplitHostPort(b); err == nil && host != "" && port != "" {
			out = append(out, b)
		}
	}
	return out
}

func (h *saramaHandle) Name() string { return h.name }
func (h *saramaHandle) Role() Role   { return h.role }

func (h *saramaHandle) SetLogLevel(l Level) { h.level.Store(int32(l)) }

func (h *saramaHandle) AddBrokers(brokers ...string) (int, error) {
	valid := validBrokers(brokers)
	if len(valid) == 0 {
		return 0, NewError(CodeInvalidArg, "no valid brokers specified")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return 0, NewError(CodeState, "client already connected")
	}
	h.brokers = append(h.brokers, valid...)
	return len(valid), nil
}

// connect opens the client on first use, retrying until ConnectTimeout
// passes or ctx ends. h.mu is held only to read and publish the client, so
// Close and other callers never wait behind a dial.
func (h *saramaHandle) connect(ctx context.Context) (sarama.Client, error) {
	h.mu.Lock()
	closed, client := h.closed, h.client
	brokers := append([]string(nil), h.brokers...)
	h.mu.Unlock()
	if closed {
		return nil, ErrDestroyed
	}
	if client != nil {
		return client, nil
	}
	if len(brokers) == 0 {
		return nil, NewError(CodeInvalidArg, "no brokers configured")
	}

	timeout := h.cfg.connectTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = timeout
	err := backoff.RetryNotify(func() error {
		c, err := dialClient(ctx, brokers, h.sc)
		if err != nil {
			return err
		}
		client = c
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		h.log(LevelWarning, "CONNECT", fmt.Sprintf("connect failed, retrying in %s: %v", next, err))
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewError(CodeTimedOut, "connect: %v", err)
		}
		return nil, fromSarama(err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		_ = client.Close()
		return nil, ErrDestroyed
	case h.client != nil:
		// lost a race with another caller
		_ = client.Close()
	default:
		h.client = client
	}
	return h.client, nil
}

// dialClient runs one sarama.NewClient attempt, giving up when ctx ends. A
// client that connects after that is closed.
func dialClient(ctx context.Context, brokers []string, sc *sarama.Config) (sarama.Client, error) {
	type result struct {
		c   sarama.Client
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := sarama.NewClient(brokers, sc)
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.c, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.c.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (h *saramaHandle) currentClient() sarama.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

func (h *saramaHandle) ensureProducer() (sarama.AsyncProducer, error) {
	if h.role != RoleProducer {
		return nil, NewError(CodeState, "handle %s is not a producer", h.name)
	}
	h.mu.Lock()
	p := h.producer
	h.mu.Unlock()
	if p != nil {
		return p, nil
	}
	client, err := h.connect(context.Background())
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrDestroyed
	}
	if h.producer != nil {
		return h.producer, nil
	}
	p, err = sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		return nil, fromSarama(err)
	}
	h.producer = p
	h.wg.Add(2)
	go h.forwardSuccesses(p)
	go h.forwardErrors(p)
	return p, nil
}

func (h *saramaHandle) ensureConsumer() (sarama.Consumer, error) {
	if h.role != RoleConsumer {
		return nil, NewError(CodeState, "handle %s is not a consumer", h.name)
	}
	h.mu.Lock()
	c := h.consumer
	h.mu.Unlock()
	if c != nil {
		return c, nil
	}
	client, err := h.connect(context.Background())
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrDestroyed
	}
	if h.consumer != nil {
		return h.consumer, nil
	}
	c, err = sarama.NewConsumerFromClient(client)
	if err != nil {
		return nil, fromSarama(err)
	}
	if h.cfg.GroupID != "" {
		om, err := sarama.NewOffsetManagerFromClient(h.cfg.GroupID, client)
		if err != nil {
			_ = c.Close()
			return nil, fromSarama(err)
		}
		h.offsets = om
	}
	h.consumer = c
	return c, nil
}

func (h *saramaHandle) forwardSuccesses(p sarama.AsyncProducer) {
	defer h.wg.Done()
	for m := range p.Successes() {
		msg := fromProducerMessage(m, nil)
		h.enqueue(func() {
			if h.cbs.DeliveryReport != nil {
				h.cbs.DeliveryReport(msg)
			}
		}, true)
	}
}

func (h *saramaHandle) forwardErrors(p sarama.AsyncProducer) {
	defer h.wg.Done()
	for pe := range p.Errors() {
		msg := fromProducerMessage(pe.Msg, pe.Err)
		h.enqueue(func() {
			if h.cbs.DeliveryReport != nil {
				h.cbs.DeliveryReport(msg)
			}
		}, true)
	}
}

func fromProducerMessage(m *sarama.ProducerMessage, err error) *Message {
	out := &Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
		Opaque:    m.Metadata,
	}
	if err != nil {
		out.Err = fromSarama(err)
	}
	if m.Key != nil {
		out.Key, _ = m.Key.Encode()
	}
	if m.Value != nil {
		out.Payload, _ = m.Value.Encode()
	}
	return out
}

// enqueue queues fn for the next Poll. Delivery reports wait for room; the
// rest are dropped when the queue is full.
func (h *saramaHandle) enqueue(fn func(), wait bool) {
	if wait {
		select {
		case h.queue <- fn:
		case <-h.done:
		}
		return
	}
	select {
	case h.queue <- fn:
	default:
	}
}

func (h *saramaHandle) Poll(timeout time.Duration) int {
	n := h.serve()
	if n > 0 || timeout <= 0 {
		return n
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case fn := <-h.queue:
		fn()
		return 1 + h.serve()
	case <-t.C:
	case <-h.done:
	}
	return 0
}

// serve runs what is already queued, at most one queue's worth.
func (h *saramaHandle) serve() int {
	for n := 0; n < served; n++ {
		select {
		case fn := <-h.queue:
			fn()
		default:
			return n
		}
	}
	return served
}

func (h *saramaHandle) statsLoop(every time.Duration) {
	defer h.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-t.C:
			var buf bytes.Buffer
			metrics.WriteJSONOnce(h.sc.MetricRegistry, &buf)
			js := buf.Bytes()
			h.enqueue(func() { h.cbs.Statistics(js) }, false)
		}
	}
}

func (h *saramaHandle) log(level Level, facility, text string) {
	if h.cbs.Log == nil || level > Level(h.level.Load()) {
		return
	}
	h.cbs.Log(level, facility, text)
}

func (h *saramaHandle) raise(err error) {
	if h.cbs.Error == nil || err == nil {
		return
	}
	e := fromSarama(err)
	h.enqueue(func() { h.cbs.Error(e) }, false)
}

func (h *saramaHandle) Metadata(ctx context.Context, topic string) (*Metadata, error) {
	type result struct {
		md  *Metadata
		err error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := h.connect(ctx)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		md, err := describe(client, topic)
		ch <- result{md, err}
	}()
	select {
	case r := <-ch:
		return r.md, r.err
	case <-ctx.Done():
		return nil, NewError(CodeTimedOut, "metadata: %v", ctx.Err())
	}
}

func describe(client sarama.Client, topic string) (*Metadata, error) {
	var topics []string
	if topic != "" {
		topics = []string{topic}
	}
	if err := client.RefreshMetadata(topics...); err != nil {
		return nil, fromSarama(err)
	}
	if topic == "" {
		all, err := client.Topics()
		if err != nil {
			return nil, fromSarama(err)
		}
		topics = all
	}

	md := &Metadata{OrigBrokerID: -1}
	for _, b := range client.Brokers() {
		host, port, _ := net.SplitHostPort(b.Addr())
		var p int
		_, _ = fmt.Sscanf(port, "%d", &p)
		md.Brokers = append(md.Brokers, BrokerMetadata{ID: b.ID(), Host: host, Port: p})
	}
	if ctrl, err := client.Controller(); err == nil {
		md.OrigBrokerID = ctrl.ID()
	}
	for _, t := range topics {
		tm := TopicMetadata{Name: t}
		parts, err := client.Partitions(t)
		if err != nil {
			tm.Err = fromSarama(err)
			md.Topics = append(md.Topics, tm)
			continue
		}
		for _, p := range parts {
			pm := PartitionMetadata{ID: p, Leader: -1}
			if l, err := client.Leader(t, p); err == nil {
				pm.Leader = l.ID()
			} else {
				pm.Err = fromSarama(err)
			}
			pm.Replicas, _ = client.Replicas(t, p)
			pm.ISRs, _ = client.InSyncReplicas(t, p)
			tm.Partitions = append(tm.Partitions, pm)
		}
		md.Topics = append(md.Topics, tm)
	}
	return md, nil
}

func (h *saramaHandle) NewTopic(name string) (Topic, error) {
	if name == "" {
		return nil, NewError(CodeInvalidArg, "empty topic name")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrDestroyed
	}
	if t, ok := h.topics[name]; ok {
		t.refs++
		return t, nil
	}
	t := &saramaTopic{h: h, name: name, refs: 1, cursors: map[int32]*cursor{}}
	h.topics[name] = t
	return t, nil
}

func (h *saramaHandle) NewQueue() (Queue, error) {
	if h.role != RoleConsumer {
		return nil, NewError(CodeState, "handle %s is not a consumer", h.name)
	}
	return &saramaQueue{
		h:      h,
		ch:     make(chan *Message, h.cfg.QueuedMaxMessages),
		closed: make(chan struct{}),
	}, nil
}

func (h *saramaHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	topics := make([]*saramaTopic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.Unlock()

	var errs []error
	for _, t := range topics {
		errs = append(errs, t.stopAll())
	}
	fanout.remove(h)
	close(h.done)

	h.mu.Lock()
	if h.producer != nil {
		errs = append(errs, h.producer.Close())
	}
	if h.offsets != nil {
		errs = append(errs, h.offsets.Close())
	}
	if h.consumer != nil {
		errs = append(errs, h.consumer.Close())
	}
	if h.client != nil && !h.client.Closed() {
		errs = append(errs, h.client.Close())
	}
	h.mu.Unlock()
	h.wg.Wait()
	return errors.Join(errs...)
}

type saramaTopic struct {
	h    *saramaHandle
	name string
	refs int

	mu      sync.Mutex
	cursors map[int32]*cursor
	poms    map[int32]sarama.PartitionOffsetManager
}

func (t *saramaTopic) Name() string { return t.name }

func (t *saramaTopic) Produce(partition int32, payload, key []byte, opaque any) error {
	p, err := t.h.ensureProducer()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     t.name,
		Partition: partition,
		Value:     sarama.ByteEncoder(bytes.Clone(payload)),
		Metadata:  opaque,
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(bytes.Clone(key))
	}
	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	select {
	case p.Input() <- msg:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-t.h.done:
		return ErrDestroyed
	}
}

func (t *saramaTopic) ConsumeStart(partition int32, offset Offset) error {
	return t.start(partition, offset, nil)
}

func (t *saramaTopic) ConsumeStartQueue(partition int32, offset Offset, q Queue) error {
	sq, ok := q.(*saramaQueue)
	if !ok || sq.h != t.h {
		return NewError(CodeInvalidArg, "queue belongs to another handle")
	}
	return t.start(partition, offset, sq)
}

func (t *saramaTopic) start(partition int32, offset Offset, q *saramaQueue) error {
	consumer, err := t.h.ensureConsumer()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cursors[partition]; ok {
		return NewError(CodeState, "%s [%d] already started", t.name, partition)
	}
	pos, err := t.resolve(partition, offset)
	if err != nil {
		return err
	}
	pc, err := consumer.ConsumePartition(t.name, partition, pos)
	if err != nil {
		return fromSarama(err)
	}
	c := &cursor{
		topic:     t.name,
		partition: partition,
		pc:        pc,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if q != nil {
		c.out, c.gone, c.queued = q.ch, q.closed, true
	} else {
		own := make(chan *Message, t.h.cfg.QueuedMaxMessages)
		c.out, c.own = own, own
	}
	t.cursors[partition] = c
	hwm, atEnd := t.atEnd(partition, pos)
	t.h.wg.Add(1)
	go t.h.pump(c, hwm, atEnd)
	return nil
}

// resolve turns a logical offset into a sarama position. Caller holds t.mu.
func (t *saramaTopic) resolve(partition int32, offset Offset) (int64, error) {
	client := t.h.currentClient()
	switch offset {
	case OffsetBeginning:
		return sarama.OffsetOldest, nil
	case OffsetEnd:
		return sarama.OffsetNewest, nil
	case OffsetStored:
		pom, err := t.pom(partition)
		if err != nil {
			return 0, err
		}
		next, _ := pom.NextOffset()
		return next, nil
	}
	if n, ok := offset.Tail(); ok {
		newest, err := client.GetOffset(t.name, partition, sarama.OffsetNewest)
		if err != nil {
			return 0, fromSarama(err)
		}
		oldest, err := client.GetOffset(t.name, partition, sarama.OffsetOldest)
		if err != nil {
			return 0, fromSarama(err)
		}
		return max(newest-n, oldest), nil
	}
	return int64(offset), nil
}

// atEnd reports whether pos is already the high-water mark.
func (t *saramaTopic) atEnd(partition int32, pos int64) (int64, bool) {
	if !t.h.cfg.EmitPartitionEOF {
		return 0, false
	}
	newest, err := t.h.currentClient().GetOffset(t.name, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, false
	}
	return newest, pos == sarama.OffsetNewest || pos >= newest
}

// pom returns the offset manager of a partition. Caller holds t.mu.
func (t *saramaTopic) pom(partition int32) (sarama.PartitionOffsetManager, error) {
	if t.h.offsets == nil {
		return nil, NewError(CodeInvalidArg, "stored offsets need group_id")
	}
	if pom, ok := t.poms[partition]; ok {
		return pom, nil
	}
	pom, err := t.h.offsets.ManagePartition(t.name, partition)
	if err != nil {
		return nil, fromSarama(err)
	}
	if t.poms == nil {
		t.poms = map[int32]sarama.PartitionOffsetManager{}
	}
	t.poms[partition] = pom
	return pom, nil
}

func (t *saramaTopic) ConsumeStop(partition int32) error {
	t.mu.Lock()
	c, ok := t.cursors[partition]
	delete(t.cursors, partition)
	t.mu.Unlock()
	if !ok {
		return NewError(CodeState, "%s [%d] not started", t.name, partition)
	}
	return c.close()
}

func (t *saramaTopic) ConsumeBatch(partition int32, timeout time.Duration, limit int) ([]*Message, error) {
	t.mu.Lock()
	c, ok := t.cursors[partition]
	t.mu.Unlock()
	switch {
	case !ok:
		return nil, NewError(CodeState, "%s [%d] not started", t.name, partition)
	case c.queued:
		return nil, NewError(CodeState, "%s [%d] is routed to a queue", t.name, partition)
	}
	return collect(c.own, timeout, limit, t.h.done), nil
}

func (t *saramaTopic) StoreOffset(partition int32, offset int64) error {
	t.mu.Lock()
	pom, err := t.pom(partition)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	pom.MarkOffset(offset+1, "")
	t.h.offsets.Commit()
	return nil
}

func (t *saramaTopic) stopAll() error {
	t.mu.Lock()
	cursors := t.cursors
	poms := t.poms
	t.cursors, t.poms = map[int32]*cursor{}, nil
	t.mu.Unlock()
	var errs []error
	for _, c := range cursors {
		errs = append(errs, c.close())
	}
	for _, pom := range poms {
		errs = append(errs, pom.Close())
	}
	return errors.Join(errs...)
}

func (t *saramaTopic) Close() error {
	t.h.mu.Lock()
	t.refs--
	last := t.refs <= 0
	if last {
		delete(t.h.topics, t.name)
	}
	t.h.mu.Unlock()
	if !last {
		return nil
	}
	return t.stopAll()
}

type saramaQueue struct {
	h      *saramaHandle
	ch     chan *Message
	closed chan struct{}
	once   sync.Once
}

func (q *saramaQueue) ConsumeBatch(timeout time.Duration, limit int) ([]*Message, error) {
	select {
	case <-q.closed:
		return nil, ErrDestroyed
	default:
	}
	return collect(q.ch, timeout, limit, q.closed), nil
}

func (q *saramaQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

// cursor is one started partition.
type cursor struct {
	topic     string
	partition int32
	pc        sarama.PartitionConsumer

	out    chan<- *Message
	own    chan *Message
	gone   <-chan struct{}
	queued bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (c *cursor) close() error {
	c.once.Do(func() {
		close(c.stop)
		c.pc.AsyncClose()
	})
	<-c.done
	return nil
}

func (c *cursor) deliver(m *Message) {
	select {
	case c.out <- m:
	case <-c.stop:
	case <-c.gone:
	}
}

// pump moves fetched records into the cursor's buffer until the partition
// consumer shuts down.
func (h *saramaHandle) pump(c *cursor, hwm int64, atEnd bool) {
	defer h.wg.Done()
	defer close(c.done)

	emitEOF := func(next int64) {
		c.deliver(&Message{Topic: c.topic, Partition: c.partition, Offset: next, Err: ErrPartitionEOF})
	}
	if atEnd {
		emitEOF(hwm)
	}

	msgs, errs := c.pc.Messages(), c.pc.Errors()
	for msgs != nil || errs != nil {
		select {
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			c.deliver(&Message{
				Topic:     m.Topic,
				Partition: m.Partition,
				Offset:    m.Offset,
				Key:       m.Key,
				Payload:   m.Value,
				Timestamp: m.Timestamp,
			})
			if h.cfg.EmitPartitionEOF && m.Offset+1 >= c.pc.HighWaterMarkOffset() {
				emitEOF(m.Offset + 1)
			}
		case ce, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			h.raise(ce.Err)
		}
	}
}

// collect waits up to timeout for the first message on ch, then takes
// whatever else is ready, up to limit.
func collect(ch <-chan *Message, timeout time.Duration, limit int, done <-chan struct{}) []*Message {
	if limit <= 0 {
		return nil
	}
	var out []*Message
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case m := <-ch:
			out = append(out, m)
		case <-t.C:
			return nil
		case <-done:
			return nil
		}
	}
	for len(out) < limit {
		select {
		case m := <-ch:
			out = append(out, m)
		default:
			return out
		}
	}
	return out
}

// fromSarama maps a sarama failure onto an engine error code.
func fromSarama(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		return &Error{Code: Code(kerr), Reason: kerr.Error()}
	}
	code := CodeUnknown
	switch {
	case errors.Is(err, sarama.ErrOutOfBrokers), errors.Is(err, sarama.ErrNotConnected):
		code = CodeTransport
	case errors.Is(err, sarama.ErrClosedClient), errors.Is(err, sarama.ErrShuttingDown):
		code = CodeDestroyed
	case errors.Is(err, sarama.ErrInvalidPartition):
		code = CodeUnknownPartition
	}
	return &Error{Code: code, Reason: err.Error()}
}

// logFanout forwards sarama's package-level log output to every open handle.
type logFanout struct {
	once    sync.Once
	mu      sync.RWMutex
	handles map[*saramaHandle]struct{}
}

var fanout = &logFanout{handles: map[*saramaHandle]struct{}{}}

func (f *logFanout) add(h *saramaHandle) {
	f.once.Do(func() {
		sarama.Logger = fanoutLogger{f: f, level: LevelInfo}
		sarama.DebugLogger = fanoutLogger{f: f, level: LevelDebug}
	})
	f.mu.Lock()
	f.handles[h] = struct{}{}
	f.mu.Unlock()
}

func (f *logFanout) remove(h *saramaHandle) {
	f.mu.Lock()
	delete(f.handles, h)
	f.mu.Unlock()
}

func (f *logFanout) emit(level Level, text string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for h := range f.handles {
		h.log(level, "sarama", text)
	}
}

type fanoutLogger struct {
	f     *logFanout
	level Level
}

func (l fanoutLogger) Print(v ...any) { l.f.emit(l.level, trimNL(fmt.Sprint(v...))) }
func (l fanoutLogger) Printf(format string, v ...any) {
	l.f.emit(l.level, trimNL(fmt.Sprintf(format, v...)))
}
func (l fanoutLogger) Println(v ...any) { l.f.emit(l.level, trimNL(fmt.Sprintln(v...))) }

func trimNL(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}
