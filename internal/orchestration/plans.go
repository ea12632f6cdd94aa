// Package orchestration implements the experiment orchestration façade of
// spec §4.5 (component C5): a small library of deterministic plan
// constructors, submit-time device/capability validation, and the
// pause/resume/abort/query_status control surface forwarded to the Run
// Engine (C3).
//
// There is no teacher equivalent — devicecode-go has no notion of a
// multi-step experiment plan — so this package is grounded directly on
// spec §4.5's own sequencing description, exercising internal/engine's
// Plan/Message vocabulary and internal/hal's Registry/Handle.
package orchestration

import (
	"fmt"
	"time"

	"daqcore/internal/engine"
	"daqcore/internal/hal"
)

// DeviceRequirement names one device/capability pair a Plan's messages
// depend on; Submit validates every requirement before queuing the Plan
// (spec §4.5 "validates that every device referenced in the Plan exists
// and declares the required capabilities").
type DeviceRequirement struct {
	DeviceID   string
	Capability hal.Capability
}

// PlanSpec bundles a constructed Plan with the device requirements it
// needs validated at submit time.
type PlanSpec struct {
	Plan     engine.Plan
	Requires []DeviceRequirement
}

const defaultStream = "primary"

// Count builds "read a detector n times, delay between reads" — spec §4.5
// count(detector, n, delay) and §8 scenario 1.
func Count(detector string, n int, delay time.Duration) PlanSpec {
	msgs := []engine.Message{
		engine.Open(engine.StreamDescriptor{Name: defaultStream, Fields: []engine.FieldSpec{
			{Name: detector, DType: "float", Unit: "", SourceDevice: detector},
		}}),
	}
	for i := 0; i < n; i++ {
		if i > 0 && delay > 0 {
			msgs = append(msgs, engine.Wait(delay))
		}
		msgs = append(msgs, engine.Read(detector), engine.Create(defaultStream))
	}
	msgs = append(msgs, engine.Save(), engine.Close())
	return PlanSpec{
		Plan:     engine.NewSequencePlan(msgs),
		Requires: []DeviceRequirement{{detector, hal.CapReadable}},
	}
}

// motorPositionField is the Parameter name every mock.Stage-shaped Movable
// exposes its commanded position under (internal/hal/mock/stage.go).
const motorPositionField = "position_mm"

// Scan1D builds a 1-dimensional motor scan: for each of steps positions
// between start and stop inclusive, Move → Wait(settleTime) when
// settleTime > 0 → Read each detector → Create (spec §4.5 scan_1d, §8
// scenario 2). No WaitSettled call is issued. Motion is
// dispatched as Set(motor, "position_mm", pos) per the Message-kind
// resolution documented in DESIGN.md.
func Scan1D(motor string, start, stop float64, steps int, detectors []string, settleTime time.Duration) PlanSpec {
	positions := linspace(start, stop, steps)

	fields := []engine.FieldSpec{{Name: motorPositionField, SourceDevice: motor, SourceParameter: motorPositionField}}
	for _, d := range detectors {
		fields = append(fields, engine.FieldSpec{Name: d, DType: "float", SourceDevice: d})
	}

	msgs := []engine.Message{engine.Open(engine.StreamDescriptor{Name: defaultStream, Fields: fields})}
	for _, pos := range positions {
		msgs = append(msgs, engine.Set(motor, motorPositionField, pos))
		if settleTime > 0 {
			msgs = append(msgs, engine.Wait(settleTime))
		}
		for _, d := range detectors {
			msgs = append(msgs, engine.Read(d))
		}
		msgs = append(msgs, engine.Create(defaultStream))
	}
	msgs = append(msgs, engine.Save(), engine.Close())

	requires := []DeviceRequirement{{motor, hal.CapMovable}, {motor, hal.CapParameterized}}
	for _, d := range detectors {
		requires = append(requires, DeviceRequirement{d, hal.CapReadable})
	}
	return PlanSpec{Plan: engine.NewSequencePlan(msgs), Requires: requires}
}

// GridScan builds an N-dimensional motor grid scan, outermost-to-innermost
// axis order, with optional snake ordering: direction on axis i reverses
// whenever the cumulative parity of every enclosing (lower-index) axis's
// current step index is odd — the standard nested-snake rule that yields
// spec §8 scenario 3's (0,0),(0,1),(1,1),(1,0) sequence for a 2x2 grid.
func GridScan(motors []string, starts, stops []float64, steps []int, detectors []string, snake bool) PlanSpec {
	axes := make([][]float64, len(motors))
	for i := range motors {
		axes[i] = linspace(starts[i], stops[i], steps[i])
	}
	points := gridPoints(axes, snake)

	fields := make([]engine.FieldSpec, 0, len(motors)+len(detectors))
	for _, m := range motors {
		fields = append(fields, engine.FieldSpec{Name: m + "_" + motorPositionField, SourceDevice: m, SourceParameter: motorPositionField})
	}
	for _, d := range detectors {
		fields = append(fields, engine.FieldSpec{Name: d, DType: "float", SourceDevice: d})
	}

	msgs := []engine.Message{engine.Open(engine.StreamDescriptor{Name: defaultStream, Fields: fields})}
	for _, pt := range points {
		for i, m := range motors {
			msgs = append(msgs, engine.Set(m, motorPositionField, pt[i]))
		}
		for _, d := range detectors {
			msgs = append(msgs, engine.Read(d))
		}
		msgs = append(msgs, engine.Create(defaultStream))
	}
	msgs = append(msgs, engine.Save(), engine.Close())

	var requires []DeviceRequirement
	for _, m := range motors {
		requires = append(requires, DeviceRequirement{m, hal.CapMovable}, DeviceRequirement{m, hal.CapParameterized})
	}
	for _, d := range detectors {
		requires = append(requires, DeviceRequirement{d, hal.CapReadable})
	}
	return PlanSpec{Plan: engine.NewSequencePlan(msgs), Requires: requires}
}

// TimeSeries builds a fixed-cadence acquisition: Read/Create every
// interval for the duration (spec §4.5 time_series(detector, interval,
// duration)). The step count is computed once up front so the resulting
// Plan stays a deterministic, single-pass sequence.
func TimeSeries(detector string, interval, duration time.Duration) PlanSpec {
	n := 1
	if interval > 0 && duration > interval {
		n = int(duration/interval) + 1
	}

	msgs := []engine.Message{
		engine.Open(engine.StreamDescriptor{Name: defaultStream, Fields: []engine.FieldSpec{
			{Name: detector, DType: "float", SourceDevice: detector},
		}}),
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			msgs = append(msgs, engine.Wait(interval))
		}
		msgs = append(msgs, engine.Read(detector), engine.Create(defaultStream))
	}
	msgs = append(msgs, engine.Save(), engine.Close())
	return PlanSpec{
		Plan:     engine.NewSequencePlan(msgs),
		Requires: []DeviceRequirement{{detector, hal.CapReadable}},
	}
}

func linspace(start, stop float64, n int) []float64 {
	if n <= 1 {
		return []float64{start}
	}
	out := make([]float64, n)
	step := (stop - start) / float64(n-1)
	for i := 0; i < n; i++ {
		out[i] = start + step*float64(i)
	}
	return out
}

// gridPoints enumerates every combination of axes values in outer-to-inner
// order, applying the nested-snake reversal described on GridScan when
// snake is true.
func gridPoints(axes [][]float64, snake bool) [][]float64 {
	n := len(axes)
	idx := make([]int, n)
	var points [][]float64

	var rec func(dim int)
	rec = func(dim int) {
		if dim == n {
			pt := make([]float64, n)
			for i := 0; i < n; i++ {
				pt[i] = axes[i][idx[i]]
			}
			points = append(points, pt)
			return
		}
		reverse := snake && dim > 0 && outerParityOdd(idx, dim)
		order := identityOrder(len(axes[dim]))
		if reverse {
			reverseInts(order)
		}
		for _, v := range order {
			idx[dim] = v
			rec(dim + 1)
		}
	}
	rec(0)
	return points
}

func outerParityOdd(idx []int, dim int) bool {
	sum := 0
	for i := 0; i < dim; i++ {
		sum += idx[i]
	}
	return sum%2 == 1
}

func identityOrder(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func reverseInts(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func (r DeviceRequirement) String() string {
	return fmt.Sprintf("%s:%s", r.DeviceID, r.Capability)
}
