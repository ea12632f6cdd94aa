package dataplane

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"daqcore/internal/engine"

	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	name string

	mu      sync.Mutex
	docs    []engine.Document
	failing bool
}

func (w *recordingWriter) Name() string { return w.name }

func (w *recordingWriter) WriteDocument(ctx context.Context, doc engine.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failing {
		return errors.New("simulated write failure")
	}
	w.docs = append(w.docs, doc)
	return nil
}

func (w *recordingWriter) snapshot() []engine.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]engine.Document, len(w.docs))
	copy(out, w.docs)
	return out
}

func startDoc(runUID string) engine.Document {
	return engine.Document{Kind: engine.KindStart, Start: &engine.Start{RunUID: runUID}}
}

func eventDoc(seq uint64) engine.Document {
	return engine.Document{Kind: engine.KindEvent, Event: &engine.Event{
		Seq: seq, Values: map[string]any{"power_w": 1.5},
	}}
}

func stopDoc(runUID string) engine.Document {
	return engine.Document{Kind: engine.KindStop, Stop: &engine.Stop{RunUID: runUID, Reason: engine.ReasonSuccess}}
}

func TestDataPlane_PublishOrderAndFlush(t *testing.T) {
	w := &recordingWriter{name: "primary"}
	dp, err := New(Config{OverflowDir: t.TempDir()}, []Writer{w}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dp.Run(ctx)

	require.NoError(t, dp.Publish(ctx, startDoc("run-1")))
	require.NoError(t, dp.Publish(ctx, eventDoc(0)))
	require.NoError(t, dp.Publish(ctx, eventDoc(1)))
	require.NoError(t, dp.Publish(ctx, stopDoc("run-1")))

	require.NoError(t, dp.Flush(ctx))

	docs := w.snapshot()
	require.Len(t, docs, 4)
	require.Equal(t, engine.KindStart, docs[0].Kind)
	require.Equal(t, uint64(0), docs[1].Event.Seq)
	require.Equal(t, uint64(1), docs[2].Event.Seq)
	require.Equal(t, engine.KindStop, docs[3].Kind)
}

func TestDataPlane_LossyBroadcastDeliversToSubscriber(t *testing.T) {
	w := &recordingWriter{name: "primary"}
	dp, err := New(Config{OverflowDir: t.TempDir()}, []Writer{w}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dp.Run(ctx)

	sub := dp.Subscribe("run-2")
	require.NoError(t, dp.Publish(ctx, startDoc("run-2")))

	select {
	case msg := <-sub.Channel():
		doc := msg.Payload.(engine.Document)
		require.Equal(t, engine.KindStart, doc.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}
}

func TestDataPlane_WriterDegradesAndReplaysFromOverflow(t *testing.T) {
	w := &recordingWriter{name: "flaky", failing: true}
	dir := t.TempDir()
	dp, err := New(Config{OverflowDir: dir}, []Writer{w}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dp.Run(ctx)

	require.NoError(t, dp.Publish(ctx, eventDoc(0)))
	require.NoError(t, dp.Flush(ctx))

	require.Eventually(t, func() bool { return dp.IsDegraded("flaky") }, time.Second, 10*time.Millisecond)

	w.mu.Lock()
	w.failing = false
	w.mu.Unlock()

	n, err := dp.ReplayOverflow(context.Background(), "flaky")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, dp.IsDegraded("flaky"))
	require.Len(t, w.snapshot(), 1)
}

func TestDataPlane_ReplayOverflowUnknownWriter(t *testing.T) {
	dp, err := New(Config{OverflowDir: t.TempDir()}, nil, nil, nil)
	require.NoError(t, err)

	_, err = dp.ReplayOverflow(context.Background(), "nope")
	require.Error(t, err)
}

func TestDataPlane_OverflowFileLocation(t *testing.T) {
	dir := t.TempDir()
	dp, err := New(Config{OverflowDir: dir}, []Writer{&recordingWriter{name: "w1"}}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "overflow-w1.gob"), dp.overflowPath("w1"))
}
