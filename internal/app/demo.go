package app

import (
	"context"
	"fmt"
	"io"

	"kafkabridge/bridge"
	"kafkabridge/engine"
	"kafkabridge/host"
	"kafkabridge/internal/config"
	"kafkabridge/internal/logging"
)

// demo consumes every partition of one topic and optionally produces a
// few records into it, printing each callback to out. Its counters are
// only touched from loop callbacks.
type demo struct {
	cfg config.DemoConfig
	out io.Writer

	tc *bridge.TopicConsumer
	tp *bridge.TopicProducer

	consumed  int
	delivered int
	onDone    func()
}

func startDemo(ctx context.Context, b *bridge.Bridge, cfg config.DemoConfig, out io.Writer) (*demo, error) {
	d := &demo{cfg: cfg, out: out}
	b.SetDeliveryReportCallback(host.NewCallback(d.onDelivery).Named("demo.delivery"))
	b.SetErrorCallback(host.NewCallback(d.onError).Named("demo.error"))
	b.SetStatisticsCallback(host.NewCallback(d.onStatistics).Named("demo.statistics"))

	offset, err := engine.ParseOffset(cfg.Offset)
	if err != nil {
		return nil, err
	}

	cons, err := b.NewConsumer()
	if err != nil {
		return nil, err
	}
	partitions := cfg.Partitions
	if md, err := cons.Metadata(ctx); err != nil {
		logging.L().Warn("demo: metadata unavailable", "err", err)
	} else if tm := md.Topic(cfg.Topic); tm != nil && tm.Err == nil && len(tm.Partitions) > 0 {
		partitions = int32(len(tm.Partitions))
	}

	if d.tc, err = cons.NewTopicConsumer(cfg.Topic); err != nil {
		return nil, err
	}
	cb := host.NewCallback(d.onMessage).Named("demo.consume")
	for p := range partitions {
		if err := d.tc.ConsumeStart(p, offset, cb); err != nil {
			return nil, fmt.Errorf("start %s[%d]: %w", cfg.Topic, p, err)
		}
	}
	logging.L().Info("demo consuming", "topic", cfg.Topic, "partitions", partitions, "offset", offset.String())

	if cfg.Produce <= 0 {
		return d, nil
	}
	prod, err := b.NewProducer()
	if err != nil {
		return nil, err
	}
	if d.tp, err = prod.NewTopicProducer(cfg.Topic); err != nil {
		return nil, err
	}
	records := make([]bridge.Record, cfg.Produce)
	for i := range records {
		records[i] = bridge.Record{
			Key:     fmt.Appendf(nil, "key-%d", i),
			Payload: fmt.Appendf(nil, "message %d", i),
		}
	}
	if _, err := d.tp.ProduceBatch(engine.PartitionUA, records); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *demo) onMessage(args ...any) error {
	m := args[0].(*bridge.Message)
	if m.EOF() {
		fmt.Fprintf(d.out, "eof %s[%d]@%d\n", m.Topic, m.Partition, m.Offset)
		return nil
	}
	fmt.Fprintf(d.out, "consumed %s[%d]@%d key=%s %s\n", m.Topic, m.Partition, m.Offset, m.Key, m.Payload)
	d.consumed++
	d.maybeDone()
	return nil
}

func (d *demo) onDelivery(args ...any) error {
	m := args[0].(*bridge.Message)
	if m.Err != nil {
		fmt.Fprintf(d.out, "delivery failed %s[%d]: %v\n", m.Topic, m.Partition, m.Err)
		return nil
	}
	fmt.Fprintf(d.out, "delivered %s[%d]@%d\n", m.Topic, m.Partition, m.Offset)
	d.delivered++
	return nil
}

func (d *demo) onError(args ...any) error {
	r := args[0].(bridge.ErrorReport)
	logging.L().Warn("kafka error", "handle", r.Handle, "code", r.Code.String(), "reason", r.Reason)
	return nil
}

func (d *demo) onStatistics(args ...any) error {
	s := args[0].(bridge.Statistics)
	logging.L().Debug("statistics", "handle", s.Handle, "bytes", len(s.JSON))
	return nil
}

func (d *demo) maybeDone() {
	if d.onDone != nil && d.cfg.Produce > 0 && d.consumed >= d.cfg.Produce {
		d.onDone()
	}
}
