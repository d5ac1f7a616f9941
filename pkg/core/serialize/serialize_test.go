package serialize

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tg "github.com/itohio/tensorgraph/pkg/core/tensor"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	b := &Bundle{}
	b.Put(Entry{
		Name:   "layer0.weight",
		DType:  tg.F32,
		Shape:  []int64{2, 3},
		Tensor: tg.FromFloat32([]float32{1, 2, 3, 4, 5, 6}),
	})
	b.Put(Entry{
		Name:   "layer0.bias",
		DType:  tg.F32,
		Shape:  []int64{3},
		Tensor: tg.FromFloat32([]float32{0.1, 0.2, 0.3}),
	})

	var buf bytes.Buffer
	require.NoError(t, Marshal(&buf, b))

	got, err := Unmarshal(&buf)
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)

	weight, ok := got.Get("layer0.weight")
	require.True(t, ok)
	assert.Equal(t, []int64{2, 3}, weight.Shape)
	for i, want := range []float32{1, 2, 3, 4, 5, 6} {
		assert.InDelta(t, want, weight.Tensor.At(i), 1e-6)
	}

	bias, ok := got.Get("layer0.bias")
	require.True(t, ok)
	assert.InDelta(t, 0.2, bias.Tensor.At(1), 1e-6)
}

func TestBundlePutReplacesSameName(t *testing.T) {
	b := &Bundle{}
	b.Put(Entry{Name: "x", DType: tg.F32, Shape: []int64{1}, Tensor: tg.FromFloat32([]float32{1})})
	b.Put(Entry{Name: "x", DType: tg.F32, Shape: []int64{1}, Tensor: tg.FromFloat32([]float32{2})})

	require.Len(t, b.Entries, 1)
	e, ok := b.Get("x")
	require.True(t, ok)
	assert.InDelta(t, 2.0, e.Tensor.At(0), 1e-6)
}

func TestMarshalUnmarshalI32AndF16(t *testing.T) {
	b := &Bundle{}
	b.Put(Entry{Name: "ids", DType: tg.I32, Shape: []int64{3}, Tensor: tg.New(tg.I32, 3)})
	ids, _ := b.Get("ids")
	ids.Tensor.SetAt(0, 7)
	ids.Tensor.SetAt(1, -3)
	ids.Tensor.SetAt(2, 42)

	b.Put(Entry{Name: "half", DType: tg.F16, Shape: []int64{2}, Tensor: tg.New(tg.F16, 2)})
	half, _ := b.Get("half")
	half.Tensor.SetAt(0, 1.5)
	half.Tensor.SetAt(1, -2.0)

	var buf bytes.Buffer
	require.NoError(t, Marshal(&buf, b))

	got, err := Unmarshal(&buf)
	require.NoError(t, err)

	gotIDs, ok := got.Get("ids")
	require.True(t, ok)
	assert.InDelta(t, 7, gotIDs.Tensor.At(0), 1e-6)
	assert.InDelta(t, -3, gotIDs.Tensor.At(1), 1e-6)
	assert.InDelta(t, 42, gotIDs.Tensor.At(2), 1e-6)

	gotHalf, ok := got.Get("half")
	require.True(t, ok)
	assert.InDelta(t, 1.5, gotHalf.Tensor.At(0), 1e-3)
	assert.InDelta(t, -2.0, gotHalf.Tensor.At(1), 1e-3)
}

func TestUnmarshalEmptyBundle(t *testing.T) {
	got, err := Unmarshal(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, got.Entries)
}
