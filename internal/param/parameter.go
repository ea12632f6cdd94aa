package param

import (
	"context"
	"sync"

	"daqcore/internal/halerr"
	"daqcore/internal/mathx"
)

// ValueKind tags the shape of a Parameter's value for generic enumeration
// (network API, GUI, provenance snapshot) without reflection.
type ValueKind string

const (
	KindFloat  ValueKind = "float"
	KindInt    ValueKind = "int"
	KindBool   ValueKind = "bool"
	KindString ValueKind = "string"
	KindEnum   ValueKind = "enum"
	KindTuple  ValueKind = "tuple"
)

// Range constrains a numeric Parameter to [Min, Max].
type Range[T int | float64] struct {
	Min, Max T
}

// HardwareWrite is the callback a writable Parameter invokes before its
// cell updates. It must respect ctx cancellation (spec §5: "every capability
// call is a suspension point").
type HardwareWrite[T any] func(ctx context.Context, proposed T) error

// Descriptor is the type-erased, reflection-free metadata every Parameter
// exposes through ParameterSet, independent of its value type T.
type Descriptor struct {
	Name      string
	Label     string
	Unit      string
	Writable  bool
	ValueKind ValueKind
	// EnumVariants is non-empty only when ValueKind == KindEnum.
	EnumVariants []string
	// HasRange is true only for numeric kinds with a declared range.
	HasRange     bool
	RangeMin     float64
	RangeMax     float64
}

// Handle is the type-erased interface ParameterSet stores, letting generic
// consumers (network API, GUI, Start-document snapshots) enumerate every
// Parameter on a device without knowing T.
type Handle interface {
	Describe() Descriptor
	ValueAsVariant() any
	WriteVariant(ctx context.Context, v any) error
}

// Parameter is a typed cell with metadata, validation, and a hardware
// write callback (spec §4.1). Writes against one Parameter are fully
// serialized: at most one hardware callback is in flight, and concurrent
// writers queue in submission order (enforced by writeMu below).
type Parameter[T any] struct {
	obs *Observable[T]

	name, label, unit string
	writable          bool
	valueKind         ValueKind
	enumVariants      []string
	hasRange          bool
	rangeMin, rangeMax float64

	validate func(T) error
	hwWrite  HardwareWrite[T]
	toVariant func(T) any

	// writeMu enforces FIFO serialization of writes: Lock() blocks a second
	// writer until the first's hardware callback has returned and the cell
	// has (or hasn't) been updated.
	writeMu sync.Mutex
}

// Config bundles the metadata needed to construct a Parameter.
type Config[T any] struct {
	Name, Label, Unit string
	Writable          bool
	ValueKind         ValueKind
	EnumVariants      []string
	HasRange          bool
	RangeMin, RangeMax float64

	// Validate rejects a proposed value before HardwareWrite is invoked.
	// Optional; range/enum checks (below) always run first.
	Validate func(T) error
	// HardwareWrite is invoked before the cell updates. Optional: a
	// writable parameter without one updates its cell directly; ignored
	// for read-only ones.
	HardwareWrite HardwareWrite[T]
	// ToVariant renders T as an `any` for ValueAsVariant/network exposure.
	// Defaults to returning the value itself.
	ToVariant func(T) any
}

// NewParameter constructs a Parameter seeded with an initial value.
func NewParameter[T any](initial T, cfg Config[T]) *Parameter[T] {
	toVariant := cfg.ToVariant
	if toVariant == nil {
		toVariant = func(v T) any { return v }
	}
	return &Parameter[T]{
		obs:          NewObservable(initial),
		name:         cfg.Name,
		label:        cfg.Label,
		unit:         cfg.Unit,
		writable:     cfg.Writable,
		valueKind:    cfg.ValueKind,
		enumVariants: cfg.EnumVariants,
		hasRange:     cfg.HasRange,
		rangeMin:     cfg.RangeMin,
		rangeMax:     cfg.RangeMax,
		validate:     cfg.Validate,
		hwWrite:      cfg.HardwareWrite,
		toVariant:    toVariant,
	}
}

func (p *Parameter[T]) Name() string { return p.name }

// Get returns the cell's current value.
func (p *Parameter[T]) Get() T { return p.obs.Get() }

// Subscribe returns a receiver for every change to this Parameter's value.
func (p *Parameter[T]) Subscribe(bufLen int) *Subscription[T] { return p.obs.Subscribe(bufLen) }

// checkRange enforces a numeric Range constraint when one is declared. Only
// meaningful for T == float64 or T == int; other T pass through untouched
// because HasRange is only ever set for numeric Configs.
func (p *Parameter[T]) checkRange(v T) error {
	if !p.hasRange {
		return nil
	}
	switch x := any(v).(type) {
	case float64:
		if !mathx.Between(x, p.rangeMin, p.rangeMax) {
			return halerr.New(halerr.OutOfRange, p.name, "%v not in [%v,%v]", x, p.rangeMin, p.rangeMax)
		}
	case int:
		if !mathx.Between(float64(x), p.rangeMin, p.rangeMax) {
			return halerr.New(halerr.OutOfRange, p.name, "%v not in [%v,%v]", x, p.rangeMin, p.rangeMax)
		}
	}
	return nil
}

func (p *Parameter[T]) checkEnum(v T) error {
	if p.valueKind != KindEnum || len(p.enumVariants) == 0 {
		return nil
	}
	s, ok := any(v).(string)
	if !ok {
		return nil
	}
	for _, variant := range p.enumVariants {
		if variant == s {
			return nil
		}
	}
	return halerr.New(halerr.InvalidVariant, p.name, "%q not in %v", s, p.enumVariants)
}

// Write validates, invokes the hardware callback, and only on success
// updates the cell and broadcasts (spec §4.1 invariant). The cell is
// unchanged if validation or the callback fails.
func (p *Parameter[T]) Write(ctx context.Context, proposed T) error {
	if !p.writable {
		return halerr.New(halerr.Immutable, p.name, "parameter is read-only")
	}
	if err := p.checkRange(proposed); err != nil {
		return err
	}
	if err := p.checkEnum(proposed); err != nil {
		return err
	}
	if p.validate != nil {
		if err := p.validate(proposed); err != nil {
			return err
		}
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.hwWrite != nil {
		if err := p.hwWrite(ctx, proposed); err != nil {
			return err
		}
	}
	p.obs.set(proposed)
	return nil
}

// Reload is driver-only: it updates the cell from a hardware read without
// invoking the write callback or validation, and without requiring the
// write-serialization lock (a concurrent in-flight Write may legitimately
// race a Reload; the last setter wins, matching a real instrument where the
// driver's read-back can observe either value).
func (p *Parameter[T]) Reload(v T) {
	p.obs.set(v)
}

// Describe renders this Parameter's reflection-free Descriptor.
func (p *Parameter[T]) Describe() Descriptor {
	return Descriptor{
		Name:         p.name,
		Label:        p.label,
		Unit:         p.unit,
		Writable:     p.writable,
		ValueKind:    p.valueKind,
		EnumVariants: p.enumVariants,
		HasRange:     p.hasRange,
		RangeMin:     p.rangeMin,
		RangeMax:     p.rangeMax,
	}
}

// ValueAsVariant renders the current value as an `any` for type-erased
// consumers.
func (p *Parameter[T]) ValueAsVariant() any { return p.toVariant(p.obs.Get()) }

// WriteVariant type-asserts v to T and delegates to Write, satisfying the
// Handle interface for type-erased callers (network API, GUI).
func (p *Parameter[T]) WriteVariant(ctx context.Context, v any) error {
	tv, ok := v.(T)
	if !ok {
		return halerr.New(halerr.InvalidVariant, p.name, "expected %T, got %T", *new(T), v)
	}
	return p.Write(ctx, tv)
}

var _ Handle = (*Parameter[float64])(nil)
