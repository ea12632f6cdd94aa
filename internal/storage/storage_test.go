package storage

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"daqcore/internal/dataplane"
	"daqcore/internal/engine"
	"daqcore/internal/measurement"

	"github.com/stretchr/testify/require"
)

func sampleStart(runUID string) *engine.Start {
	return &engine.Start{
		RunUID:    runUID,
		RunID:     "count-1",
		StartTime: time.Unix(0, 0).UTC(),
		Metadata:  map[string]any{"operator": "abrunski"},
		PlanHash:  "deadbeef",
	}
}

func TestRunWriter_WritesStartEventStopAndSidecar(t *testing.T) {
	dir := t.TempDir()
	w := NewRunWriter(dir, "columnar", time.Hour, true, nil, nil)

	runUID := "run-1"
	require.NoError(t, w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindStart, Start: sampleStart(runUID)}))
	require.NoError(t, w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindDescriptor, Descriptor: &engine.Descriptor{
		StreamUID: "stream-1", RunUID: runUID, Fields: []engine.FieldSpec{{Name: "power_w", DType: "float64"}},
	}}))
	require.NoError(t, w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindEvent, Event: &engine.Event{
		DescriptorUID: "stream-1", Seq: 0, TimestampNs: 1, Values: map[string]any{"power_w": 1.5},
	}}))
	require.NoError(t, w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindStop, Stop: &engine.Stop{
		RunUID: runUID, Reason: engine.ReasonSuccess, EndTime: time.Unix(1, 0).UTC(),
	}}))

	mainPath := filepath.Join(dir, runUID+".columnar")
	require.FileExists(t, mainPath)

	f, err := os.Open(mainPath)
	require.NoError(t, err)
	defer f.Close()
	dec := gob.NewDecoder(f)
	var kinds []engine.DocumentKind
	for {
		var doc engine.Document
		if err := dec.Decode(&doc); err != nil {
			break
		}
		kinds = append(kinds, doc.Kind)
	}
	require.Equal(t, []engine.DocumentKind{engine.KindStart, engine.KindDescriptor, engine.KindEvent, engine.KindStop}, kinds)

	sidecarPath := filepath.Join(dir, runUID+".json")
	require.FileExists(t, sidecarPath)
	sf, err := os.Open(sidecarPath)
	require.NoError(t, err)
	defer sf.Close()
	var idx sidecarIndex
	require.NoError(t, json.NewDecoder(sf).Decode(&idx))
	require.Equal(t, runUID, idx.Start.RunUID)
	require.Equal(t, engine.ReasonSuccess, idx.Stop.Reason)
}

func TestRunWriter_NoSidecarWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	w := NewRunWriter(dir, "columnar", time.Hour, false, nil, nil)
	runUID := "run-2"
	require.NoError(t, w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindStart, Start: sampleStart(runUID)}))
	require.NoError(t, w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindStop, Stop: &engine.Stop{RunUID: runUID, Reason: engine.ReasonSuccess}}))
	require.NoFileExists(t, filepath.Join(dir, runUID+".json"))
}

func TestRunWriter_ResolvesFrameReferenceBeforePersisting(t *testing.T) {
	dir := t.TempDir()
	w := NewRunWriter(dir, "columnar", time.Hour, false, nil, nil)
	runUID := "run-3"
	require.NoError(t, w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindStart, Start: sampleStart(runUID)}))

	ref := dataplane.FrameRef{Offset: 128, TsNs: 99, Seq: 1}
	img := measurement.Image{Width: 2, Height: 2, Stride: 2, Format: measurement.Mono8, Data: []byte{1, 2, 3, 4}}
	require.NoError(t, w.WriteFrame(context.Background(), ref, img))

	evt := &engine.Event{DescriptorUID: "stream-1", Seq: 0, TimestampNs: 1, Values: map[string]any{"frame": ref}}
	require.NoError(t, w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindEvent, Event: evt}))
	require.NoError(t, w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindStop, Stop: &engine.Stop{RunUID: runUID, Reason: engine.ReasonSuccess}}))

	f, err := os.Open(filepath.Join(dir, runUID+".columnar"))
	require.NoError(t, err)
	defer f.Close()
	dec := gob.NewDecoder(f)
	var resolved measurement.Image
	for {
		var doc engine.Document
		if err := dec.Decode(&doc); err != nil {
			break
		}
		if doc.Kind == engine.KindEvent {
			v, ok := doc.Event.Values["frame"].(measurement.Image)
			require.True(t, ok, "expected frame value to be resolved to a measurement.Image")
			resolved = v
		}
	}
	require.Equal(t, img.Width, resolved.Width)
	require.Equal(t, img.Data, resolved.Data)
}

func TestRunWriter_UnresolvedFrameFallsBackToReference(t *testing.T) {
	dir := t.TempDir()
	w := NewRunWriter(dir, "columnar", time.Hour, false, nil, nil)
	runUID := "run-4"
	require.NoError(t, w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindStart, Start: sampleStart(runUID)}))

	ref := dataplane.FrameRef{Offset: 256}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	evt := &engine.Event{DescriptorUID: "stream-1", Values: map[string]any{"frame": ref}}
	require.NoError(t, w.WriteDocument(ctx, engine.Document{Kind: engine.KindEvent, Event: evt}))
	_, stillRef := evt.Values["frame"].(dataplane.FrameRef)
	require.True(t, stillRef)
}

func TestRunWriter_WriteDocumentWithoutOpenRunFails(t *testing.T) {
	dir := t.TempDir()
	w := NewRunWriter(dir, "columnar", time.Hour, false, nil, nil)
	err := w.WriteDocument(context.Background(), engine.Document{Kind: engine.KindDescriptor, Descriptor: &engine.Descriptor{}})
	require.Error(t, err)
}
