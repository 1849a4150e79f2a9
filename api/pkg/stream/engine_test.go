package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineOneProducerPerSocket(t *testing.T) {
	snap := &fakeSnapshotter{payload: []byte("x")}
	e := NewEngine(testStreamingConfig(), snap)

	sinkA := newCaptureSink()
	first := e.Start(context.Background(), "sock-1", "browser-1", testSettings(), sinkA)
	sinkA.next(t)

	sinkB := newCaptureSink()
	second := e.Start(context.Background(), "sock-1", "browser-2", testSettings(), sinkB)
	defer stopAndWait(t, second)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("starting a second stream did not stop the first")
	}

	assert.Equal(t, 1, e.Count())
	got, ok := e.Get("sock-1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, "browser-2", got.BrowserID())

	sinkB.next(t)
}

func TestEngineStopFor(t *testing.T) {
	snap := &fakeSnapshotter{payload: []byte("x")}
	e := NewEngine(testStreamingConfig(), snap)

	sink := newCaptureSink()
	p := e.Start(context.Background(), "sock-1", "browser-1", testSettings(), sink)
	sink.next(t)

	assert.True(t, e.StopFor("sock-1"))
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop")
	}
	assert.Equal(t, 0, e.Count())

	assert.False(t, e.StopFor("sock-1"), "second stop reports no stream")
}

func TestEngineParentContextCancelStopsAll(t *testing.T) {
	snap := &fakeSnapshotter{payload: []byte("x")}
	e := NewEngine(testStreamingConfig(), snap)

	ctx, cancel := context.WithCancel(context.Background())
	sink := newCaptureSink()
	p := e.Start(ctx, "sock-1", "browser-1", testSettings(), sink)
	sink.next(t)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop on context cancel")
	}
	assert.Equal(t, 0, e.Count())
}
