// Package shapetracker implements the shape-tracking algebra described by
// the graph IR: a stack of logical views over a single physical buffer that
// lets arbitrarily-composed reshape/permute/expand/slice/pad operations be
// fused into index expressions without ever materializing an intermediate
// tensor.
//
// Every method returns a new Tracker; none mutate the receiver, matching
// the symint package's immutable-expression style one layer down.
package shapetracker

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
)

// Range is a half-open coordinate range [Lo, Hi) used both for Slice
// bounds and for the valid region Pad installs inside an enlarged axis.
type Range struct {
	Lo, Hi symint.Expression
}

// View is one layer of (shape, strides, mask, padding) in the tracker
// stack. PadBefore and Mask are nil on views that carry no padding — the
// common case — so the per-element index walk skips the mask check
// entirely for those views (the "dense fast path" the original engine
// this system was distilled from caches per view).
type View struct {
	Shape     []symint.Expression
	Strides   []symint.Expression
	Offset    symint.Expression // constant physical-origin addend
	PadBefore []symint.Expression
	Mask      []Range // per-axis valid coordinate range in this view's space; nil = unmasked
	dense     bool    // cached is-contiguous-and-unmasked flag
}

func (v View) rank() int { return len(v.Shape) }

// Tracker is the ordered stack of views. views[0] describes the physically
// stored layout; views[len(views)-1] is the logically-visible shape.
type Tracker struct {
	views []View
}

// New builds a Tracker for a freshly allocated, densely packed tensor of
// the given shape.
func New(shape ...symint.Expression) Tracker {
	return Tracker{views: []View{denseView(shape)}}
}

func denseView(shape []symint.Expression) View {
	return View{
		Shape:   append([]symint.Expression(nil), shape...),
		Strides: rowMajorStrides(shape),
		Offset:  symint.Const(0),
		dense:   true,
	}
}

// rowMajorStrides computes canonical strides for shape, the symbolic
// analogue of primitive/generics.ComputeStrides: strides[i] is the product
// of all dimensions to the right of i.
func rowMajorStrides(shape []symint.Expression) []symint.Expression {
	n := len(shape)
	strides := make([]symint.Expression, n)
	acc := symint.Const(1)
	for i := n - 1; i >= 0; i-- {
		strides[i] = acc
		acc = symint.Mul(acc, shape[i]).Simplify()
	}
	return strides
}

// Shape returns the logically-visible shape (the top view's shape).
func (t Tracker) Shape() []symint.Expression {
	return append([]symint.Expression(nil), t.top().Shape...)
}

// Rank returns the number of dimensions of the logically-visible shape.
func (t Tracker) Rank() int { return len(t.top().Shape) }

func (t Tracker) top() View { return t.views[len(t.views)-1] }

// ErrIncompatibleReshape is returned by Reshape when the element counts of
// the current shape and newShape cannot be proven equal.
type ErrIncompatibleReshape struct {
	From, To []symint.Expression
}

func (e *ErrIncompatibleReshape) Error() string {
	return fmt.Sprintf("shapetracker: cannot reshape %v to %v", e.From, e.To)
}

// Reshape returns a tracker whose logical shape is newShape. When the top
// view is already contiguous and unmasked and the element count matches,
// the top view is replaced in place (no stack growth); otherwise a new
// view is pushed that resolves indices through the full stack.
func (t Tracker) Reshape(newShape []symint.Expression) (Tracker, error) {
	if !sizesProvablyEqual(t.top().Shape, newShape) {
		return Tracker{}, &ErrIncompatibleReshape{From: t.top().Shape, To: newShape}
	}

	if t.isViewDense(t.top()) {
		views := t.cloneViews()
		views[len(views)-1] = denseView(newShape)
		return Tracker{views: views}, nil
	}

	views := t.cloneViews()
	views = append(views, denseView(newShape))
	return Tracker{views: views}, nil
}

func sizesProvablyEqual(a, b []symint.Expression) bool {
	return productExpr(a).Simplify().Equal(productExpr(b).Simplify())
}

func productExpr(dims []symint.Expression) symint.Expression {
	acc := symint.Const(1)
	for _, d := range dims {
		acc = symint.Mul(acc, d)
	}
	return acc
}

// Permute returns a tracker with the top view's axes reordered according
// to perm (perm[i] names which source axis becomes axis i).
func (t Tracker) Permute(perm []int) (Tracker, error) {
	top := t.top()
	if len(perm) != top.rank() {
		return Tracker{}, fmt.Errorf("shapetracker: permute length %d does not match rank %d", len(perm), top.rank())
	}
	seen := make([]bool, len(perm))
	newShape := make([]symint.Expression, len(perm))
	newStrides := make([]symint.Expression, len(perm))
	var newPad []symint.Expression
	var newMask []Range
	if top.PadBefore != nil {
		newPad = make([]symint.Expression, len(perm))
	}
	if top.Mask != nil {
		newMask = make([]Range, len(perm))
	}
	for i, axis := range perm {
		if axis < 0 || axis >= len(perm) || seen[axis] {
			return Tracker{}, fmt.Errorf("shapetracker: invalid permutation %v", perm)
		}
		seen[axis] = true
		newShape[i] = top.Shape[axis]
		newStrides[i] = top.Strides[axis]
		if newPad != nil {
			newPad[i] = top.PadBefore[axis]
		}
		if newMask != nil {
			newMask[i] = top.Mask[axis]
		}
	}
	v := View{Shape: newShape, Strides: newStrides, Offset: top.Offset, PadBefore: newPad, Mask: newMask}
	v.dense = t.isViewDense(v)
	return t.replaceTop(v), nil
}

// Expand inserts stride-0 broadcasting along axis, enlarging (or
// installing) its size to size. The axis must currently have size 1 (or
// not yet exist, for an axis being newly introduced at the end of Shape).
func (t Tracker) Expand(axis int, size symint.Expression) (Tracker, error) {
	top := t.top()
	if axis < 0 || axis > top.rank() {
		return Tracker{}, fmt.Errorf("shapetracker: expand axis %d out of range for rank %d", axis, top.rank())
	}
	if axis == top.rank() {
		v := cloneView(top)
		v.Shape = append(v.Shape, size)
		v.Strides = append(v.Strides, symint.Const(0))
		if v.PadBefore != nil {
			v.PadBefore = append(v.PadBefore, symint.Const(0))
		}
		if v.Mask != nil {
			v.Mask = append(v.Mask, Range{Lo: symint.Const(0), Hi: size})
		}
		v.dense = false
		return t.replaceTop(v), nil
	}
	if v, ok := top.Shape[axis].IsConst(); !ok || v != 1 {
		return Tracker{}, fmt.Errorf("shapetracker: expand axis %d must have size 1", axis)
	}

	v := cloneView(top)
	v.Shape[axis] = size
	v.Strides[axis] = symint.Const(0)
	v.dense = false
	return t.replaceTop(v), nil
}

// Slice narrows each axis to the half-open range given, adjusting the
// physical origin offset so no mask is needed: the result is always fully
// valid. len(ranges) must equal the top view's rank.
func (t Tracker) Slice(ranges []Range) (Tracker, error) {
	top := t.top()
	if len(ranges) != top.rank() {
		return Tracker{}, fmt.Errorf("shapetracker: slice length %d does not match rank %d", len(ranges), top.rank())
	}

	v := cloneView(top)
	offset := top.Offset
	for ax, r := range ranges {
		size := symint.Sub(r.Hi, r.Lo).Simplify()
		v.Shape[ax] = size
		offset = symint.Add(offset, symint.Mul(r.Lo, top.Strides[ax])).Simplify()
	}
	v.Offset = offset
	v.dense = t.isViewDense(v)
	return t.replaceTop(v), nil
}

// Pad enlarges each axis by (before, after) elements, installing a mask so
// that coordinates outside the original [before, before+originalSize) range
// read as invalid (the caller substitutes the pad value there).
func (t Tracker) Pad(pads [][2]symint.Expression) (Tracker, error) {
	top := t.top()
	if len(pads) != top.rank() {
		return Tracker{}, fmt.Errorf("shapetracker: pad length %d does not match rank %d", len(pads), top.rank())
	}

	v := cloneView(top)
	v.PadBefore = make([]symint.Expression, top.rank())
	v.Mask = make([]Range, top.rank())
	for ax, p := range pads {
		before, after := p[0], p[1]
		origSize := top.Shape[ax]
		v.Shape[ax] = symint.Add(symint.Add(before, origSize), after).Simplify()
		v.PadBefore[ax] = before
		v.Mask[ax] = Range{Lo: before, Hi: symint.Add(before, origSize).Simplify()}
	}
	v.dense = false
	return t.replaceTop(v), nil
}

// Contiguous marks that the next physical read of this tracker must walk
// the full view stack (the optimizer/executor use this as a materialization
// hint). It returns t unchanged: neither Index nor IsContiguous answers
// differently afterwards.
func (t Tracker) Contiguous() Tracker {
	return t
}

// IsContiguous reports whether the top view's strides equal the dense
// row-major strides of its shape and no mask/pad is active.
func (t Tracker) IsContiguous() bool {
	return t.isViewDense(t.top())
}

func (t Tracker) isViewDense(v View) bool {
	if v.dense {
		return true
	}
	if v.Mask != nil {
		return false
	}
	canonical := rowMajorStrides(v.Shape)
	for i := range canonical {
		if !canonical[i].Simplify().Equal(v.Strides[i].Simplify()) {
			return false
		}
	}
	return true
}

func cloneView(v View) View {
	out := View{
		Shape:   append([]symint.Expression(nil), v.Shape...),
		Strides: append([]symint.Expression(nil), v.Strides...),
		Offset:  v.Offset,
	}
	if v.PadBefore != nil {
		out.PadBefore = append([]symint.Expression(nil), v.PadBefore...)
	}
	if v.Mask != nil {
		out.Mask = append([]Range(nil), v.Mask...)
	}
	return out
}

func (t Tracker) cloneViews() []View {
	out := make([]View, len(t.views))
	copy(out, t.views)
	return out
}

func (t Tracker) replaceTop(v View) Tracker {
	views := t.cloneViews()
	views[len(views)-1] = v
	return Tracker{views: views}
}

// Index walks the view stack top-to-bottom, translating logical
// coordinates (in the top view's shape) into a physical offset against the
// innermost (bottom) view, plus a validity flag that is false inside any
// padded region crossed along the way. Dynamic dimensions named in the
// views are resolved from env.
func (t Tracker) Index(env symint.Env, coords []int64) (offset int64, valid bool, err error) {
	if len(coords) != t.top().rank() {
		return 0, false, fmt.Errorf("shapetracker: index expects %d coordinates, got %d", t.top().rank(), len(coords))
	}

	valid = true
	cur := coords
	for i := len(t.views) - 1; i >= 0; i-- {
		v := t.views[i]

		if v.Mask != nil {
			for ax, r := range v.Mask {
				lo, e := r.Lo.Evaluate(env)
				if e != nil {
					return 0, false, e
				}
				hi, e := r.Hi.Evaluate(env)
				if e != nil {
					return 0, false, e
				}
				c := int64(cur[ax])
				if c < lo || c >= hi {
					valid = false
				}
			}
		}

		strides, e := evalAll(v.Strides, env)
		if e != nil {
			return 0, false, e
		}
		off, e := v.Offset.Evaluate(env)
		if e != nil {
			return 0, false, e
		}

		lin := off
		for ax, c := range cur {
			adj := int64(c)
			if v.PadBefore != nil {
				pb, e := v.PadBefore[ax].Evaluate(env)
				if e != nil {
					return 0, false, e
				}
				adj -= pb
			}
			lin += adj * strides[ax]
		}

		if i == 0 {
			return lin, valid, nil
		}

		below := t.views[i-1]
		belowShape, e := evalAll(below.Shape, env)
		if e != nil {
			return 0, false, e
		}
		cur, e = unravel(lin, belowShape)
		if e != nil {
			return 0, false, e
		}
	}

	return 0, false, fmt.Errorf("shapetracker: empty view stack")
}

func evalAll(exprs []symint.Expression, env symint.Env) ([]int64, error) {
	out := make([]int64, len(exprs))
	for i, e := range exprs {
		v, err := e.Evaluate(env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// unravel turns a flat row-major index into multi-dimensional coordinates
// for shape.
func unravel(flat int64, shape []int64) ([]int64, error) {
	if flat < 0 {
		return nil, fmt.Errorf("shapetracker: negative intermediate index %d", flat)
	}
	coords := make([]int64, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] == 0 {
			coords[i] = 0
			continue
		}
		coords[i] = flat % shape[i]
		flat /= shape[i]
	}
	return coords, nil
}

// Linearize computes the flat row-major index of coords within shape — the
// inverse of unravel, used by tests and by callers checking the
// contiguous-tracker identity `index(linearize(c)) == linearize(c)`.
func Linearize(coords []int64, shape []int64) int64 {
	var flat int64
	for i, c := range coords {
		flat = flat*shape[i] + c
	}
	return flat
}
