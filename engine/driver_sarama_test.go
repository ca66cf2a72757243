package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSarama_Producer(t *testing.T) {
	cfg := Config{ClientID: "orders", Version: "2.1.0", Topic: TopicConfig{RequiredAcks: "all"}}
	sc, err := ToSarama(cfg, RoleProducer)
	require.NoError(t, err)
	assert.Equal(t, "orders", sc.ClientID)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.V2_1_0_0, sc.Version)
}

func TestToSarama_ScramConsumer(t *testing.T) {
	cfg := Config{
		ClientID: "c",
		SASL:     SASLConfig{Mechanism: SASLScramSHA512, User: "u", Password: "p"},
	}
	sc, err := ToSarama(cfg, RoleConsumer)
	require.NoError(t, err)
	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), sc.Net.SASL.Mechanism)
	require.NotNil(t, sc.Net.SASL.SCRAMClientGeneratorFunc)
	assert.IsType(t, &scramClient{}, sc.Net.SASL.SCRAMClientGeneratorFunc())
	assert.True(t, sc.Consumer.Return.Errors)
}

func TestToSarama_BadVersion(t *testing.T) {
	_, err := ToSarama(Config{ClientID: "c", Version: "nope"}, RoleProducer)
	assert.Error(t, err)
}

func TestManualOrHash(t *testing.T) {
	p := newManualOrHash("t")

	got, err := p.Partition(&sarama.ProducerMessage{Partition: 2}, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(2), got)

	_, err = p.Partition(&sarama.ProducerMessage{Partition: 7}, 4)
	assert.ErrorIs(t, err, ErrUnknownPartition)

	msg := &sarama.ProducerMessage{Partition: PartitionUA, Key: sarama.StringEncoder("k")}
	a, err := p.Partition(msg, 4)
	require.NoError(t, err)
	b, _ := p.Partition(msg, 4)
	assert.Equal(t, a, b, "hashing must be stable for one key")
	assert.True(t, p.RequiresConsistency())
}

func TestFromSarama(t *testing.T) {
	assert.Nil(t, fromSarama(nil))
	assert.Equal(t, CodeUnknownTopicOrPart, fromSarama(sarama.ErrUnknownTopicOrPartition).Code)
	assert.Equal(t, CodeOffsetOutOfRange, fromSarama(fmt.Errorf("fetch: %w", sarama.ErrOffsetOutOfRange)).Code)
	assert.Equal(t, CodeTransport, fromSarama(sarama.ErrOutOfBrokers).Code)
	assert.Equal(t, CodeDestroyed, fromSarama(sarama.ErrClosedClient).Code)
	assert.Equal(t, CodeUnknown, fromSarama(errors.New("x")).Code)
	assert.Equal(t, CodeQueueFull, fromSarama(ErrQueueFull).Code)
}

func TestValidBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "[::1]:9093"}, validBrokers([]string{"a:9092", "nope", ":9092", "[::1]:9093"}))
	assert.Empty(t, validBrokers(nil))
}

func TestSaramaHandle_AddBrokersAndLogFanout(t *testing.T) {
	var lines []string
	h, err := Open("sarama", RoleProducer, Config{ClientID: "t"}, Callbacks{
		Log: func(level Level, facility, text string) {
			lines = append(lines, fmt.Sprintf("%s %s %s", level, facility, text))
		},
	})
	require.NoError(t, err)
	defer h.Close()

	_, err = h.AddBrokers("bogus")
	assert.Equal(t, CodeInvalidArg, CodeOf(err))
	n, err := h.AddBrokers("a:9092", "b:9092")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sarama.Logger.Printf("hello %d\n", 1)
	sarama.DebugLogger.Println("noisy")
	assert.Equal(t, []string{"info sarama hello 1"}, lines)

	h.SetLogLevel(LevelDebug)
	sarama.DebugLogger.Print("noisy")
	assert.Equal(t, "debug sarama noisy", lines[len(lines)-1])

	assert.Equal(t, 0, h.Poll(0))
}

func TestCollect(t *testing.T) {
	ch := make(chan *Message, 4)
	for i := range 3 {
		ch <- &Message{Offset: int64(i)}
	}
	got := collect(ch, 0, 2, nil)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[1].Offset)
	got = collect(ch, 0, 10, nil)
	require.Len(t, got, 1)
	assert.Nil(t, collect(ch, 0, 10, nil))
}
