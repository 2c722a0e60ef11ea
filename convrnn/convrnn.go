/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package convrnn implements convolutional recurrent cells: stateful
// one-time-step update rules over fixed-shape feature maps.
//
// Each cell maps an input and a recurrent state, both shaped
// `[batch, height, width, channels]`, to an output and a new state of the
// same spatial extent. Cells never store state between calls: the new state
// is returned and it is the caller's responsibility to feed it into the
// next Step call. Parameters (convolution kernels, biases, peephole
// diagonals, normalization gain/shift) are created lazily on the first Step
// call, inside the scope of the context.Context given by the caller, and
// are reused -- never reallocated -- on every subsequent call under the
// same scope (see context.Context.Reuse).
//
// Six variants are provided: Basic, NormBasic, GRU, LSTM (with optional
// peepholes and layer normalization), UGRNN and IntersectionRNN. They share
// the Cell interface, so they are interchangeable inside the node wrapper
// of the parent package.
package convrnn

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Cell is the common contract of all convolutional recurrent cell variants.
//
// Step is a graph-building operation: it panics with a *ShapeError on
// malformed inputs, following the graph package convention.
type Cell interface {
	// Step applies one time-step update, returning the output and the new
	// state. Parameters are created under ctx's scope on the first call and
	// reused afterwards.
	Step(ctx *context.Context, input *Node, state State) (output *Node, newState State)

	// ZeroState returns a state of the cell's declared shape for the given
	// batch size, filled with zeros.
	ZeroState(g *Graph, dtype dtypes.DType, batchSize int) State

	// OutputSize returns the per-example output dimensions, without the
	// leading batch axis.
	OutputSize() Size

	// StateSize returns the per-example state dimensions, without the
	// leading batch axis.
	StateSize() Size
}

// Activation is an elementwise nonlinearity applied inside a cell.
type Activation func(x *Node) *Node

// Elu is the exponential-linear unit: identity for non-negative values,
// exp(x)-1 otherwise.
func Elu(x *Node) *Node {
	return Where(GreaterOrEqual(x, ZerosLike(x)), x, Expm1(x))
}

// State is the recurrent state threaded through consecutive Step calls.
// It is a tagged union: either a single tensor (most cells, and the LSTM
// with concatenated state), or a (cell-state, hidden-state) pair (the LSTM
// configured with StateTuple). The representation is fixed at cell
// construction and never inferred at call time.
//
// The zero State is "empty", used by callers to request a fresh zero state.
type State struct {
	single *Node
	c, h   *Node
}

// SingleState wraps one tensor as a cell state.
func SingleState(x *Node) State { return State{single: x} }

// SplitState wraps a (cell-state, hidden-state) pair as an LSTM state.
func SplitState(c, h *Node) State { return State{c: c, h: h} }

// IsEmpty reports whether the state holds no tensors. Cells receive an
// empty state only from callers that want a zero state synthesized.
func (s State) IsEmpty() bool { return s.single == nil && s.c == nil }

// IsSplit reports whether the state is a (c, h) pair.
func (s State) IsSplit() bool { return s.c != nil }

// Single returns the state tensor. It panics with a *ShapeError if the
// state is a split pair.
func (s State) Single() *Node {
	if s.IsSplit() {
		panic(ShapeErrorf("State.Single called on a split (c, h) state"))
	}
	return s.single
}

// Split returns the (cell-state, hidden-state) pair. It panics with a
// *ShapeError if the state is a single tensor.
func (s State) Split() (c, h *Node) {
	if !s.IsSplit() {
		panic(ShapeErrorf("State.Split called on a single-tensor state"))
	}
	return s.c, s.h
}

// Size returns the per-example dimensions of the state tensors, dropping
// the leading batch axis.
func (s State) Size() Size {
	if s.IsSplit() {
		return SplitSize(s.c.Shape().Dimensions[1:], s.h.Shape().Dimensions[1:])
	}
	return SingleSize(s.single.Shape().Dimensions[1:]...)
}

// Size describes the per-example ("batch-free") dimensions of a cell's
// output or state. Like State, it is a tagged union: a plain dimensions
// slice, or a pair of them for the split LSTM state.
type Size struct {
	dims []int
	c, h []int
}

// SingleSize builds a Size for a single tensor with the given dimensions.
func SingleSize(dims ...int) Size { return Size{dims: dims} }

// SplitSize builds a Size for a split (c, h) state.
func SplitSize(c, h []int) Size { return Size{c: c, h: h} }

// IsSplit reports whether the size describes a split (c, h) state.
func (s Size) IsSplit() bool { return s.c != nil }

// Dims returns the dimensions of a single-tensor size. It panics with a
// *ShapeError for a split size.
func (s Size) Dims() []int {
	if s.IsSplit() {
		panic(ShapeErrorf("Size.Dims called on a split (c, h) size"))
	}
	return s.dims
}

// SplitDims returns the dimensions of the two parts of a split size. It
// panics with a *ShapeError for a single-tensor size.
func (s Size) SplitDims() (c, h []int) {
	if !s.IsSplit() {
		panic(ShapeErrorf("Size.SplitDims called on a single-tensor size"))
	}
	return s.c, s.h
}

// String implements fmt.Stringer.
func (s Size) String() string {
	if s.IsSplit() {
		return fmt.Sprintf("(c=%v, h=%v)", s.c, s.h)
	}
	return fmt.Sprintf("%v", s.dims)
}

// ConstantInitializer returns a variable initializer that fills the
// variable with the given constant.
func ConstantInitializer(value float64) initializers.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return MulScalar(Ones(g, shape), value)
	}
}

// zeros4D builds an all-zeros NHWC tensor, the additive identity used for
// zero states.
func zeros4D(g *Graph, dtype dtypes.DType, batchSize, height, width, depth int) *Node {
	return Zeros(g, shapes.Make(dtype, batchSize, height, width, depth))
}

// splitChannels slices x on the channel (last) axis into consecutive parts
// of the given sizes. The order of the returned slices is the order of the
// sizes; gate semantics depend on it.
func splitChannels(x *Node, sizes ...int) []*Node {
	parts := make([]*Node, len(sizes))
	offset := 0
	for i, size := range sizes {
		parts[i] = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(offset, offset+size))
		offset += size
	}
	return parts
}

// splitChannelsEven slices x on the channel axis into numParts equal parts.
func splitChannelsEven(x *Node, numParts int) []*Node {
	depth := x.Shape().Dimensions[x.Rank()-1]
	if depth%numParts != 0 {
		panic(ShapeErrorf("cannot split %d channels into %d even parts", depth, numParts))
	}
	sizes := make([]int, numParts)
	for i := range sizes {
		sizes[i] = depth / numParts
	}
	return splitChannels(x, sizes...)
}

const normEpsilon = 1e-6

// normalize applies layer normalization over the channel axis with learned
// gain ("gamma") and shift ("beta") variables created under the given
// sub-scope, initialized to the given constants.
func normalize(ctx *context.Context, x *Node, scope string, gain, shift float64) *Node {
	g := x.Graph()
	ctx = ctx.In(scope)
	dtype := x.DType()
	featDim := x.Shape().Dimensions[x.Rank()-1]
	gammaVar := ctx.WithInitializer(ConstantInitializer(gain)).
		VariableWithShape("gamma", shapes.Make(dtype, featDim))
	betaVar := ctx.WithInitializer(ConstantInitializer(shift)).
		VariableWithShape("beta", shapes.Make(dtype, featDim))

	lastAxis := x.Rank() - 1
	mean := ReduceAndKeep(x, ReduceMean, lastAxis)
	normalized := Sub(x, mean)
	variance := ReduceAndKeep(Square(normalized), ReduceMean, lastAxis)
	normalized = Div(normalized, Sqrt(AddScalar(variance, normEpsilon)))

	broadcastDims := make([]int, x.Rank())
	for i := range broadcastDims {
		broadcastDims[i] = 1
	}
	broadcastDims[lastAxis] = featDim
	gamma := Reshape(gammaVar.ValueGraph(g), broadcastDims...)
	beta := Reshape(betaVar.ValueGraph(g), broadcastDims...)
	return Add(Mul(normalized, gamma), beta)
}

// validateCellConfig checks the shape parameters every variant requires.
func validateCellConfig(cellType string, shape, filterSize [2]int, outDepth int) error {
	if shape[0] <= 0 || shape[1] <= 0 {
		return ConfigurationErrorf("%s requires Shape (height, width) to be set, got %v", cellType, shape)
	}
	if filterSize[0] <= 0 || filterSize[1] <= 0 {
		return ConfigurationErrorf("%s requires FilterSize to be set, got %v", cellType, filterSize)
	}
	if outDepth <= 0 {
		return ConfigurationErrorf("%s requires OutDepth > 0, got %d", cellType, outDepth)
	}
	return nil
}
