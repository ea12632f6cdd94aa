// Package measurement defines the tagged Measurement value (spec §3) that
// every capability produces: a scalar, a vector, an image, or a short string,
// each carrying a nanosecond timestamp and a per-device monotonic sequence
// number.
package measurement

// PixelFormat names the layout of an Image's backing bytes.
type PixelFormat string

const (
	Mono8  PixelFormat = "mono8"
	Mono16 PixelFormat = "mono16"
	RGB24  PixelFormat = "rgb24"
	Mono32 PixelFormat = "mono32"
)

// Kind tags which variant a Measurement holds.
type Kind string

const (
	KindScalar Kind = "scalar"
	KindVector Kind = "vector"
	KindImage  Kind = "image"
	KindString Kind = "string"
)

// Scalar is a single floating-point reading with a unit.
type Scalar struct {
	Value float64
	Unit  string
}

// Vector is an ordered sequence of floating-point readings sharing a unit.
type Vector struct {
	Values []float64
	Unit   string
}

// Image is a 2D array of unsigned-integer pixels.
type Image struct {
	Width, Height int
	Stride        int // bytes per row; may exceed Width*bytesPerPixel(Format)
	Format        PixelFormat
	Data          []byte
}

// BytesPerPixel returns the pixel stride implied by Format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case Mono8:
		return 1
	case Mono16:
		return 2
	case RGB24:
		return 3
	case Mono32:
		return 4
	default:
		return 0
	}
}

// Measurement is the tagged union described in spec §3. Exactly one of
// Scalar/Vector/Image/String is meaningful, selected by Kind.
type Measurement struct {
	Kind Kind

	Scalar Scalar
	Vector Vector
	Image  Image
	String string

	// TimestampNs is the producer's nanosecond timestamp.
	TimestampNs int64
	// Seq is a monotonic sequence number per producing device, distinct
	// from a stream's Event.Seq (spec §3: "a monotonic sequence number per
	// producing device").
	Seq uint64
}

// NewScalar builds a Kind-tagged scalar Measurement.
func NewScalar(v float64, unit string, tsNs int64, seq uint64) Measurement {
	return Measurement{Kind: KindScalar, Scalar: Scalar{Value: v, Unit: unit}, TimestampNs: tsNs, Seq: seq}
}

// NewVector builds a Kind-tagged vector Measurement.
func NewVector(v []float64, unit string, tsNs int64, seq uint64) Measurement {
	return Measurement{Kind: KindVector, Vector: Vector{Values: v, Unit: unit}, TimestampNs: tsNs, Seq: seq}
}

// NewImage builds a Kind-tagged image Measurement.
func NewImage(img Image, tsNs int64, seq uint64) Measurement {
	return Measurement{Kind: KindImage, Image: img, TimestampNs: tsNs, Seq: seq}
}

// NewString builds a Kind-tagged textual-state Measurement.
func NewString(s string, tsNs int64, seq uint64) Measurement {
	return Measurement{Kind: KindString, String: s, TimestampNs: tsNs, Seq: seq}
}
