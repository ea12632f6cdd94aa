package param

import (
	"context"
	"testing"
	"time"

	"daqcore/internal/halerr"

	"github.com/stretchr/testify/require"
)

func TestParameter_WriteValidatesBeforeHardwareCallback(t *testing.T) {
	var lastWritten float64
	p := NewParameter(0.0, Config[float64]{
		Name: "exposure_ms", Writable: true, ValueKind: KindFloat,
		HasRange: true, RangeMin: 1, RangeMax: 1000,
		HardwareWrite: func(ctx context.Context, v float64) error {
			lastWritten = v
			return nil
		},
	})

	require.NoError(t, p.Write(context.Background(), 50))
	require.Equal(t, 50.0, p.Get())
	require.Equal(t, 50.0, lastWritten)

	err := p.Write(context.Background(), 5000)
	require.Error(t, err)
	require.Equal(t, halerr.OutOfRange, halerr.Of(err))
	require.Equal(t, 50.0, p.Get(), "cell must be unchanged on rejected write")
	require.Equal(t, 50.0, lastWritten, "hardware callback must not run for an invalid write")
}

func TestParameter_ImmutableReadOnly(t *testing.T) {
	p := NewParameter(23.5, Config[float64]{Name: "temperature_c", Writable: false, ValueKind: KindFloat})
	err := p.Write(context.Background(), 10)
	require.Error(t, err)
	require.Equal(t, halerr.Immutable, halerr.Of(err))
	require.Equal(t, 23.5, p.Get())
}

func TestParameter_EnumValidation(t *testing.T) {
	p := NewParameter("closed", Config[string]{
		Name: "shutter", Writable: true, ValueKind: KindEnum,
		EnumVariants:  []string{"open", "closed"},
		HardwareWrite: func(context.Context, string) error { return nil },
	})
	require.NoError(t, p.Write(context.Background(), "open"))
	err := p.Write(context.Background(), "ajar")
	require.Error(t, err)
	require.Equal(t, halerr.InvalidVariant, halerr.Of(err))
	require.Equal(t, "open", p.Get())
}

func TestParameter_HardwareFailureLeavesCellUnchanged(t *testing.T) {
	p := NewParameter(1.0, Config[float64]{
		Name: "wavelength_nm", Writable: true, ValueKind: KindFloat,
		HardwareWrite: func(context.Context, float64) error {
			return halerr.New(halerr.Transport, "laser0", "link down")
		},
	})
	err := p.Write(context.Background(), 532)
	require.Error(t, err)
	require.Equal(t, halerr.Transport, halerr.Of(err))
	require.Equal(t, 1.0, p.Get())
}

func TestParameter_Reload_NoCallback(t *testing.T) {
	calls := 0
	p := NewParameter(0.0, Config[float64]{
		Name: "position", Writable: false, ValueKind: KindFloat,
		HardwareWrite: func(context.Context, float64) error { calls++; return nil },
	})
	p.Reload(3.14)
	require.Equal(t, 3.14, p.Get())
	require.Equal(t, 0, calls)
}

func TestParameter_WritesSerializeFIFO(t *testing.T) {
	// Round-trip law: a concurrent writer's value is observed only once its
	// own Write has returned; no interleaving of the two hardware callbacks.
	var order []int
	start := make(chan struct{})
	p := NewParameter(0, Config[int]{
		Name: "n", Writable: true, ValueKind: KindInt,
		HardwareWrite: func(ctx context.Context, v int) error {
			<-start
			time.Sleep(2 * time.Millisecond)
			order = append(order, v)
			return nil
		},
	})

	done := make(chan struct{})
	go func() {
		_ = p.Write(context.Background(), 1)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond) // ensure the goroutine is blocked in Write
	close(start)
	<-done
	require.NoError(t, p.Write(context.Background(), 2))
	require.Equal(t, []int{1, 2}, order)
	require.Equal(t, 2, p.Get())
}

func TestObservable_SubscribeReceivesAndDrops(t *testing.T) {
	obs := NewObservable(0)
	sub := obs.Subscribe(1)
	defer sub.Close()

	obs.set(1)
	v, ok := sub.Next()
	require.True(t, ok)
	require.Equal(t, 1, v)

	// Fill the buffered channel past capacity while no one reads; the
	// latest write must still land (oldest dropped, not the writer blocked).
	obs.set(2)
	obs.set(3)
	v, ok = sub.Next()
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestSet_DuplicateNamePanics(t *testing.T) {
	s := NewSet()
	s.Add(NewParameter(0.0, Config[float64]{Name: "x", ValueKind: KindFloat}))
	require.Panics(t, func() {
		s.Add(NewParameter(1.0, Config[float64]{Name: "x", ValueKind: KindFloat}))
	})
}

func TestSet_SnapshotAndDescribe(t *testing.T) {
	s := NewSet()
	s.Add(NewParameter(1.0, Config[float64]{Name: "a", Unit: "mm", ValueKind: KindFloat}))
	s.Add(NewParameter("idle", Config[string]{Name: "b", ValueKind: KindString}))

	snap := s.Snapshot()
	require.Equal(t, 1.0, snap["a"])
	require.Equal(t, "idle", snap["b"])

	descs := s.Describe()
	require.Len(t, descs, 2)
	require.Equal(t, "a", descs[0].Name)
	require.Equal(t, "b", descs[1].Name)
}
