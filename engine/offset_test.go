package engine

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffset(t *testing.T) {
	cases := []struct {
		in   string
		want Offset
	}{
		{"0", 0},
		{"42", 42},
		{"beginning", OffsetBeginning},
		{"end", OffsetEnd},
		{"stored", OffsetStored},
		{"-5", OffsetTail(5)},
		{" 7 ", 7},
	}
	for _, c := range cases {
		got, err := ParseOffset(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	_, err := ParseOffset("latest")
	assert.Error(t, err)
}

func TestOffsetTailRoundTrip(t *testing.T) {
	n, ok := OffsetTail(3).Tail()
	require.True(t, ok)
	assert.Equal(t, int64(3), n)

	_, ok = OffsetEnd.Tail()
	assert.False(t, ok)
	_, ok = Offset(10).Tail()
	assert.False(t, ok)

	assert.Equal(t, "-3", OffsetTail(3).String())
	assert.Equal(t, "end", OffsetEnd.String())
	assert.Equal(t, "12", Offset(12).String())
}

func TestParseLevel(t *testing.T) {
	for i, name := range []string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"} {
		l, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, Level(i), l)
		assert.Equal(t, name, l.String())
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)

	assert.Equal(t, slog.LevelError, LevelCrit.Slog())
	assert.Equal(t, slog.LevelWarn, LevelWarning.Slog())
	assert.Equal(t, slog.LevelInfo, LevelNotice.Slog())
	assert.Equal(t, slog.LevelDebug, LevelDebug.Slog())
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, "PARTITION_EOF", CodePartitionEOF.String())
	assert.Equal(t, "UNKNOWN_TOPIC_OR_PART", CodeUnknownTopicOrPart.String())
	assert.Equal(t, "UNRECOGNIZED", Code(9999).String())

	err := NewError(CodeTimedOut, "waited %dms", 10)
	assert.True(t, errors.Is(err, ErrTimedOut))
	assert.False(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, CodeTimedOut, CodeOf(fmtWrap(err)))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeNoError, CodeOf(nil))
	assert.Contains(t, err.Error(), "TIMED_OUT")
}

func fmtWrap(err error) error { return errors.Join(errors.New("ctx"), err) }

func TestMessageEOF(t *testing.T) {
	assert.True(t, (&Message{Err: ErrPartitionEOF}).EOF())
	assert.False(t, (&Message{Err: ErrTimedOut}).EOF())
	assert.False(t, (&Message{}).EOF())
	var m *Message
	assert.False(t, m.EOF())
}
