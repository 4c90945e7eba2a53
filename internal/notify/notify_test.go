package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touchfish/dailytask/internal/notify"
)

type fakeSink struct {
	messages []notify.Message
	err      error
}

func (f *fakeSink) Send(ctx context.Context, msg notify.Message) error {
	f.messages = append(f.messages, msg)
	return f.err
}

func TestMultiDeliversToAllSinks(t *testing.T) {
	t.Parallel()

	a := &fakeSink{}
	b := &fakeSink{}
	multi := notify.NewMulti(nil, a, b)

	msg := notify.Message{Topic: "daily", Title: "t", Body: "b"}
	require.NoError(t, multi.Send(context.Background(), msg))

	require.Len(t, a.messages, 1)
	require.Len(t, b.messages, 1)
	assert.Equal(t, msg, a.messages[0])
	assert.Equal(t, msg, b.messages[0])
}

func TestMultiFailingSinkDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	boom := errors.New("sink down")
	a := &fakeSink{err: boom}
	b := &fakeSink{}
	multi := notify.NewMulti(nil, a, b)

	err := multi.Send(context.Background(), notify.Message{Topic: "daily", Body: "b"})

	require.ErrorIs(t, err, boom)
	assert.Len(t, b.messages, 1)
}

func TestMultiNoSinks(t *testing.T) {
	t.Parallel()

	multi := notify.NewMulti(nil)
	assert.NoError(t, multi.Send(context.Background(), notify.Message{Topic: "daily"}))
}
