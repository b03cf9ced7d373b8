// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package labels converts raw node labels of planner state graphs into the numeric representation
// fed to the first embedding layer of a model.
//
// Three schemes are supported, see Kind. The scheme is chosen when a model is constructed and is
// stored in its checkpoint: every later encoding for that model must use exactly the same Scheme.
package labels

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrEncoding is returned (wrapped) whenever a raw label can't be represented in the requested scheme.
var ErrEncoding = errors.New("label encoding error")

// Kind of encoding scheme.
//
//go:generate go tool enumer -type=Kind -trimprefix=Kind -transform=snake-upper -text -json -output=gen_kind_enumer.go labels.go
type Kind int

const (
	// KindScalarID encodes integer node ids as one normalized scalar.
	KindScalarID Kind = iota

	// KindBitmask encodes fixed-width bit-strings as a vector of 0/1 values.
	KindBitmask

	// KindHashed is numerically the same as KindScalarID, but the ids are expected to be hash-derived.
	KindHashed
)

// MaxScalarID is the largest id representable by the scalar schemes: normalized ids are id/MaxScalarID.
const MaxScalarID = 1<<48 - 1

// MaxBitmaskWidth is the largest supported bitmask width.
const MaxBitmaskWidth = 64

// Scheme is the encoding scheme of a model: a Kind and, for KindBitmask only, the Width in bits.
type Scheme struct {
	Kind  Kind
	Width int
}

// ScalarID returns the SCALAR_ID scheme.
func ScalarID() Scheme { return Scheme{Kind: KindScalarID} }

// Hashed returns the HASHED scheme.
func Hashed() Scheme { return Scheme{Kind: KindHashed} }

// Bitmask returns the BITMASK(width) scheme. Use Scheme.Validate to check the width.
func Bitmask(width int) Scheme { return Scheme{Kind: KindBitmask, Width: width} }

// Validate returns an error if the scheme is not well-formed.
func (s Scheme) Validate() error {
	if !s.Kind.IsAKind() {
		return errors.Wrapf(ErrEncoding, "unknown encoding scheme kind %d", int(s.Kind))
	}
	if s.Kind == KindBitmask {
		if s.Width < 1 || s.Width > MaxBitmaskWidth {
			return errors.Wrapf(ErrEncoding, "BITMASK width must be in [1, %d], got %d", MaxBitmaskWidth, s.Width)
		}
	} else if s.Width != 0 {
		return errors.Wrapf(ErrEncoding, "scheme %s takes no width, got %d", s.Kind, s.Width)
	}
	return nil
}

// IsScalar returns whether the scheme encodes each node as a single scalar.
func (s Scheme) IsScalar() bool { return s.Kind != KindBitmask }

// FeatureWidth is the number of input features per node: 1 for the scalar schemes, Width for bitmasks.
func (s Scheme) FeatureWidth() int {
	if s.Kind == KindBitmask {
		return s.Width
	}
	return 1
}

// Equal returns whether both schemes are identical, including the width.
func (s Scheme) Equal(other Scheme) bool {
	return s.Kind == other.Kind && s.Width == other.Width
}

// String renders the scheme as "SCALAR_ID", "HASHED" or "BITMASK(<width>)". ParseScheme is its inverse.
func (s Scheme) String() string {
	if s.Kind == KindBitmask {
		return fmt.Sprintf("%s(%d)", s.Kind, s.Width)
	}
	return s.Kind.String()
}

var reBitmaskScheme = regexp.MustCompile(`^BITMASK\((\d+)\)$`)

// ParseScheme parses the output of Scheme.String. "MAPPED", the name the planner uses for
// compact sequential ids, is accepted as an alias of SCALAR_ID.
func ParseScheme(text string) (Scheme, error) {
	text = strings.ToUpper(strings.TrimSpace(text))
	if text == "MAPPED" {
		return ScalarID(), nil
	}
	if m := reBitmaskScheme.FindStringSubmatch(text); m != nil {
		width, err := strconv.Atoi(m[1])
		if err != nil {
			return Scheme{}, errors.Wrapf(ErrEncoding, "invalid bitmask width in %q", text)
		}
		s := Bitmask(width)
		return s, s.Validate()
	}
	kind, err := KindString(text)
	if err != nil {
		return Scheme{}, errors.Wrapf(ErrEncoding, "unknown encoding scheme %q, valid values are %v", text, KindStrings())
	}
	if kind == KindBitmask {
		return Scheme{}, errors.Wrapf(ErrEncoding, "scheme BITMASK requires a width, e.g. \"BITMASK(40)\"")
	}
	return Scheme{Kind: kind}, nil
}

// NodeRepr is the numeric representation of one node.
// Scalar is set for the scalar schemes, Bits for BITMASK.
type NodeRepr struct {
	Scalar float32
	Bits   []uint8
}

// NormalizeID maps an integer id to [0, 1] by dividing by MaxScalarID and clamping.
func NormalizeID(id float64) float64 {
	v := id / MaxScalarID
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// EncodeNode converts a raw node label to its representation under scheme.
//
// For the scalar schemes the label must be an integer (any Go integer type, or a string holding one,
// possibly quoted). Unsigned 64-bit hashes are accepted, and larger base-10 values clamp to 1. For BITMASK(w) it must be a string of exactly w '0'/'1' characters, a slice of
// exactly w zeros and ones, or a non-negative integer that fits in w bits.
// Anything else is an ErrEncoding: labels are never padded, truncated or hashed.
func EncodeNode(label any, scheme Scheme) (NodeRepr, error) {
	if err := scheme.Validate(); err != nil {
		return NodeRepr{}, err
	}
	if scheme.IsScalar() {
		id, err := parseIntLabel(label)
		if err != nil {
			return NodeRepr{}, errors.WithMessagef(err, "scheme %s", scheme)
		}
		return NodeRepr{Scalar: float32(NormalizeID(id.float()))}, nil
	}
	bits, err := ToBits(label, scheme.Width)
	if err != nil {
		return NodeRepr{}, err
	}
	return NodeRepr{Bits: bits}, nil
}

// EncodeEdgeLabel parses an edge label, stripping quotes. Missing or non-integer labels yield 0.
func EncodeEdgeLabel(raw string) int {
	v, err := strconv.Atoi(Unquote(raw))
	if err != nil {
		return 0
	}
	return v
}

// Unquote removes surrounding whitespace and double-quote characters.
func Unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

// intLabel is a parsed integer label. Planner hashes are unsigned 64-bit values, so the magnitude
// is kept as an uint64. Base-10 strings beyond 64 bits are flagged as overflow.
type intLabel struct {
	magnitude          uint64
	negative, overflow bool
}

// float returns the label as a float64: overflows become infinities, which NormalizeID clamps.
func (l intLabel) float() float64 {
	v := float64(l.magnitude)
	if l.overflow {
		v = math.Inf(1)
	}
	if l.negative {
		return -v
	}
	return v
}

func signedLabel(v int64) intLabel {
	if v < 0 {
		// For math.MinInt64 the conversion of -v wraps to 1<<63, still the right magnitude.
		return intLabel{magnitude: uint64(-v), negative: true}
	}
	return intLabel{magnitude: uint64(v)}
}

var reDecimal = regexp.MustCompile(`^[+-]?[0-9]+$`)

func parseIntLabel(label any) (intLabel, error) {
	switch v := label.(type) {
	case int:
		return signedLabel(int64(v)), nil
	case int8:
		return signedLabel(int64(v)), nil
	case int16:
		return signedLabel(int64(v)), nil
	case int32:
		return signedLabel(int64(v)), nil
	case int64:
		return signedLabel(v), nil
	case uint:
		return intLabel{magnitude: uint64(v)}, nil
	case uint8:
		return intLabel{magnitude: uint64(v)}, nil
	case uint16:
		return intLabel{magnitude: uint64(v)}, nil
	case uint32:
		return intLabel{magnitude: uint64(v)}, nil
	case uint64:
		return intLabel{magnitude: v}, nil
	case string:
		s := Unquote(v)
		if !reDecimal.MatchString(s) {
			return intLabel{}, errors.Wrapf(ErrEncoding, "label %q is not an integer", v)
		}
		negative := s[0] == '-'
		digits := strings.TrimLeft(s, "+-")
		magnitude, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			// Only a range error is possible here: digits holds base-10 digits only.
			return intLabel{negative: negative, overflow: true}, nil
		}
		return intLabel{magnitude: magnitude, negative: negative && magnitude != 0}, nil
	default:
		return intLabel{}, errors.Wrapf(ErrEncoding, "label of type %T is not an integer", label)
	}
}

// ToBits converts a bitmask label to exactly width 0/1 values, most significant bit first.
func ToBits(label any, width int) ([]uint8, error) {
	if width < 1 || width > MaxBitmaskWidth {
		return nil, errors.Wrapf(ErrEncoding, "BITMASK width must be in [1, %d], got %d", MaxBitmaskWidth, width)
	}
	bits := make([]uint8, width)
	switch v := label.(type) {
	case string:
		s := Unquote(v)
		if len(s) != width {
			return nil, errors.Wrapf(ErrEncoding, "bit-string %q has length %d, want %d", s, len(s), width)
		}
		for ii, c := range s {
			switch c {
			case '0':
			case '1':
				bits[ii] = 1
			default:
				return nil, errors.Wrapf(ErrEncoding, "bit-string %q has non-binary character %q", s, c)
			}
		}
		return bits, nil
	case []uint8:
		return copyBits(v, width)
	case []int:
		return copyBits(v, width)
	case []bool:
		if len(v) != width {
			return nil, errors.Wrapf(ErrEncoding, "bit sequence has length %d, want %d", len(v), width)
		}
		for ii, b := range v {
			if b {
				bits[ii] = 1
			}
		}
		return bits, nil
	}

	id, err := parseIntLabel(label)
	if err != nil {
		return nil, err
	}
	if id.negative {
		return nil, errors.Wrapf(ErrEncoding, "negative label %v can't be a bitmask", label)
	}
	if id.overflow || (width < 64 && id.magnitude>>uint(width) != 0) {
		return nil, errors.Wrapf(ErrEncoding, "label %v needs more than %d bits", label, width)
	}
	for ii := range width {
		bits[ii] = uint8((id.magnitude >> uint(width-1-ii)) & 1)
	}
	return bits, nil
}

func copyBits[T int | uint8](values []T, width int) ([]uint8, error) {
	if len(values) != width {
		return nil, errors.Wrapf(ErrEncoding, "bit sequence has length %d, want %d", len(values), width)
	}
	bits := make([]uint8, width)
	for ii, v := range values {
		if v != 0 && v != 1 {
			return nil, errors.Wrapf(ErrEncoding, "bit sequence has non-binary value %d at position %d", v, ii)
		}
		bits[ii] = uint8(v)
	}
	return bits, nil
}

// BitsToUint64 decodes a bit vector (most significant bit first) back to its integer value.
func BitsToUint64(bits []uint8) (uint64, error) {
	if len(bits) > MaxBitmaskWidth {
		return 0, errors.Wrapf(ErrEncoding, "%d bits don't fit in 64-bit integer", len(bits))
	}
	var v uint64
	for ii, b := range bits {
		if b > 1 {
			return 0, errors.Wrapf(ErrEncoding, "non-binary value %d at position %d", b, ii)
		}
		v = v<<1 | uint64(b)
	}
	return v, nil
}
