package channel

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b, err := Pair()
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestFrameSizes(t *testing.T) {
	a, b := pair(t)
	for _, size := range []int{0, 1, 4095, 4096, 1000000} {
		payload := bytes.Repeat([]byte{byte(size)}, size)
		errc := make(chan error, 1)
		// a 1MB frame exceeds the socket buffer, so the writer must run concurrently
		go func() { errc <- a.WriteFrame(payload) }()
		got, err := b.ReadFrame()
		require.NoError(t, err, "size %d", size)
		require.NoError(t, <-errc)
		assert.Equal(t, len(payload), len(got), "size %d", size)
		assert.True(t, bytes.Equal(payload, got), "size %d", size)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	a, b := pair(t)
	for _, size := range []int{0, 1, 4095, 4096, 1000000} {
		var data []byte
		if size > 0 {
			data = bytes.Repeat([]byte("x"), size)
		}
		sent := &Message{Type: TypeTask, Task: &Task{
			TaskID:       7,
			FromWorkerID: 1,
			TaskWorkerID: AnyWorker,
			CallbackID:   "cb",
			Data:         data,
		}}
		errc := make(chan error, 1)
		go func() { errc <- a.Send(sent) }()
		got, err := b.Read()
		require.NoError(t, err)
		require.NoError(t, <-errc)
		assert.Equal(t, sent, got, "size %d", size)
	}

	require.NoError(t, b.Send(&Message{Type: TypeTick}))
	got, err := a.Read()
	require.NoError(t, err)
	assert.Equal(t, &Message{Type: TypeTick}, got)
}

func TestFIFO(t *testing.T) {
	a, b := pair(t)
	for i := uint64(0); i < 50; i++ {
		require.NoError(t, a.Send(&Message{Type: TypeTaskFinish, Task: &Task{TaskID: i}}))
	}
	for i := uint64(0); i < 50; i++ {
		m, err := b.Read()
		require.NoError(t, err)
		assert.Equal(t, i, m.Task.TaskID)
	}
}

func TestPeerCloseIsErrClosed(t *testing.T) {
	a, b := pair(t)
	require.NoError(t, a.Close())
	_, err := b.ReadFrame()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.ReadFrame()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.WriteFrame([]byte("x")), ErrClosed)
}

func TestWriteTimeoutAbandons(t *testing.T) {
	a, _ := pair(t)
	a.SetWriteTimeout(50 * time.Millisecond)
	// nobody reads the peer, so the socket buffer fills up
	err := a.WriteFrame(make([]byte, 8<<20))
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	a1, b1 := pair(t)
	a2, b2 := pair(t)

	start := time.Now()
	ready, err := Select([]*Channel{b1, b2}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	require.NoError(t, a2.Send(&Message{Type: TypeTick}))
	ready, err = Select([]*Channel{b1, b2}, -1)
	require.NoError(t, err)
	assert.Equal(t, []*Channel{b2}, ready)

	_, err = b2.Read()
	require.NoError(t, err)
	ready, err = Select([]*Channel{b1, b2}, 0)
	require.NoError(t, err)
	assert.Empty(t, ready, "drained channel is no longer ready")

	require.NoError(t, a1.Close())
	ready, err = Select([]*Channel{b1, b2}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []*Channel{b1}, ready, "peer close reads as ready")
	_, err = b1.Read()
	assert.ErrorIs(t, err, ErrClosed)

	b1.Close()
	ready, err = Select([]*Channel{b1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []*Channel{b1}, ready)
}

func TestDecodeRejects(t *testing.T) {
	for _, in := range []string{
		`{"v":2,"type":"tick"}`,
		`{"v":1,"type":"bogus"}`,
		`{"v":1,"type":"task"}`,
		`{"v":1,"task":{"task_id":1}}`,
		`not json`,
	} {
		_, err := DecodeMessage([]byte(in))
		assert.Error(t, err, in)
	}
	m, err := DecodeMessage([]byte(`{"v":1,"type":"task_result","task":{"task_id":3,"result":"aGk="}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeTaskResult, m.Type)
	assert.Equal(t, "hi", string(m.Task.Result))
}

func TestFromFileDuplicates(t *testing.T) {
	fa, fb, err := SocketPair()
	require.NoError(t, err)
	a, err := FromFile(fa)
	require.NoError(t, err)
	b, err := FromFile(fb)
	require.NoError(t, err)
	require.NoError(t, fa.Close())
	require.NoError(t, fb.Close())
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.WriteFrame([]byte("still open")))
	got, err := b.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "still open", string(got))
}
