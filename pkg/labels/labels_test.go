// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package labels

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheme(t *testing.T) {
	for _, s := range []Scheme{ScalarID(), Hashed(), Bitmask(1), Bitmask(40), Bitmask(64)} {
		got, err := ParseScheme(s.String())
		require.NoError(t, err, "scheme %s", s)
		assert.True(t, s.Equal(got), "scheme %s parsed as %s", s, got)
	}
	got, err := ParseScheme("mapped")
	require.NoError(t, err)
	assert.Equal(t, ScalarID(), got)

	for _, text := range []string{"BITMASK", "BITMASK(0)", "BITMASK(65)", "ONEHOT", ""} {
		_, err := ParseScheme(text)
		require.ErrorIs(t, err, ErrEncoding, "ParseScheme(%q) should fail", text)
	}
}

func TestSchemeValidate(t *testing.T) {
	require.NoError(t, ScalarID().Validate())
	require.NoError(t, Bitmask(64).Validate())
	require.ErrorIs(t, Scheme{Kind: KindHashed, Width: 3}.Validate(), ErrEncoding)
	require.ErrorIs(t, Scheme{Kind: Kind(7)}.Validate(), ErrEncoding)
	assert.Equal(t, 1, Hashed().FeatureWidth())
	assert.Equal(t, 40, Bitmask(40).FeatureWidth())
}

func TestEncodeNodeScalar(t *testing.T) {
	r, err := EncodeNode("0", ScalarID())
	require.NoError(t, err)
	assert.Equal(t, float32(0), r.Scalar)

	r, err = EncodeNode(int64(MaxScalarID), Hashed())
	require.NoError(t, err)
	assert.Equal(t, float32(1), r.Scalar)

	r, err = EncodeNode(`"2"`, ScalarID())
	require.NoError(t, err)
	assert.Equal(t, float32(NormalizeID(2)), r.Scalar)

	r, err = EncodeNode(-5, ScalarID())
	require.NoError(t, err)
	assert.Equal(t, float32(0), r.Scalar)

	r, err = EncodeNode(int64(1)<<60, ScalarID())
	require.NoError(t, err)
	assert.Equal(t, float32(1), r.Scalar)

	_, err = EncodeNode("w3", ScalarID())
	require.ErrorIs(t, err, ErrEncoding)
	_, err = EncodeNode(1.5, Hashed())
	require.ErrorIs(t, err, ErrEncoding)
}

func TestEncodeNodeHashedUint64(t *testing.T) {
	testCases := []struct {
		label any
		want  float32
	}{
		{"9223372036854775807", 1},
		{"9223372036854775808", 1},
		{"18446744073709551615", 1},
		{`"18446744073709551615"`, 1},
		{uint64(math.MaxUint64), 1},
		{uint64(1) << 63, 1},
		{"18446744073709551616", 1},
		{"123456789012345678901234567890", 1},
		{"-18446744073709551616", 0},
		{"-9223372036854775808", 0},
		{"+4096", float32(NormalizeID(4096))},
		{uint64(MaxScalarID / 2), float32(NormalizeID(MaxScalarID / 2))},
	}
	for _, tc := range testCases {
		r, err := EncodeNode(tc.label, Hashed())
		require.NoError(t, err, "label %v", tc.label)
		assert.Equal(t, tc.want, r.Scalar, "label %v", tc.label)
	}
	for _, bad := range []any{"1e19", "0x10", "12 34", "--5", "+"} {
		_, err := EncodeNode(bad, Hashed())
		require.ErrorIs(t, err, ErrEncoding, "label %q should be rejected", bad)
	}
}

func TestBitmaskUint64(t *testing.T) {
	r, err := EncodeNode(uint64(math.MaxUint64), Bitmask(64))
	require.NoError(t, err)
	assert.Equal(t, []uint8{1}, slices.Compact(slices.Clone(r.Bits)))

	r, err = EncodeNode(uint64(1)<<63, Bitmask(64))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), r.Bits[0])
	got, err := BitsToUint64(r.Bits)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<63, got)

	_, err = EncodeNode(uint64(1)<<63, Bitmask(63))
	require.ErrorIs(t, err, ErrEncoding)
}

func TestNormalizeIDBounded(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for range 1000 {
		id := rng.Int64N(MaxScalarID + 1)
		v := NormalizeID(float64(id))
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 1.0)
	}
	assert.Equal(t, 0.0, NormalizeID(0))
	assert.Equal(t, 1.0, NormalizeID(MaxScalarID))
}

func TestEncodeNodeBitmask(t *testing.T) {
	r, err := EncodeNode("0101", Bitmask(4))
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 1, 0, 1}, r.Bits)

	r, err = EncodeNode(5, Bitmask(4))
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 1, 0, 1}, r.Bits)

	r, err = EncodeNode([]int{1, 1, 0, 0}, Bitmask(4))
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 1, 0, 0}, r.Bits)

	r, err = EncodeNode([]bool{true, false, false, true}, Bitmask(4))
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 0, 0, 1}, r.Bits)

	for _, bad := range []any{"010", "01010", "01a1", []int{0, 1, 2, 0}, []uint8{1}, 16, -1, 3.0} {
		_, err = EncodeNode(bad, Bitmask(4))
		require.ErrorIs(t, err, ErrEncoding, "label %v should be rejected", bad)
	}
}

func TestBitmaskMismatchedWidth(t *testing.T) {
	label := strings.Repeat("10", 20)
	_, err := EncodeNode(label, Bitmask(64))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrEncoding))
}

func TestBitmaskRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 1))
	for width := 1; width <= MaxBitmaskWidth; width++ {
		for range 20 {
			var sb strings.Builder
			var want uint64
			for range width {
				b := rng.IntN(2)
				want = want<<1 | uint64(b)
				sb.WriteByte(byte('0' + b))
			}
			r, err := EncodeNode(sb.String(), Bitmask(width))
			require.NoError(t, err)
			got, err := BitsToUint64(r.Bits)
			require.NoError(t, err)
			require.Equal(t, want, got, "width=%d bits=%s", width, sb.String())
		}

		// Every wrong length is rejected.
		for _, length := range []int{0, width - 1, width + 1, 2 * width} {
			if length == width || length < 0 {
				continue
			}
			_, err := EncodeNode(strings.Repeat("1", length), Bitmask(width))
			require.ErrorIs(t, err, ErrEncoding, fmt.Sprintf("width=%d length=%d", width, length))
		}
	}
}

func TestEncodeEdgeLabel(t *testing.T) {
	assert.Equal(t, 3, EncodeEdgeLabel(`"3"`))
	assert.Equal(t, -2, EncodeEdgeLabel("-2"))
	assert.Equal(t, 0, EncodeEdgeLabel(""))
	assert.Equal(t, 0, EncodeEdgeLabel(`"a"`))
}
