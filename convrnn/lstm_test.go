package convrnn

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/ctxtest"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestLSTMForgetBias(t *testing.T) {
	// Zero kernels and biases leave only the forget bias: with the default
	// of 1.0, the new cell state is prevC * sigmoid(1), and the new hidden
	// state is tanh(newC) * sigmoid(0).
	cell, err := NewLSTM(LSTMConfig{
		Shape:      [2]int{2, 2},
		FilterSize: [2]int{3, 3},
		OutDepth:   2,
		StateTuple: true,
		KernelInit: ConstantInitializer(0),
		BiasInit:   ConstantInitializer(0),
	})
	require.NoError(t, err)

	prevC := 0.5
	newC := prevC * sigmoid(1)
	newH := math.Tanh(newC) * sigmoid(0)
	ctxtest.RunTestGraphFn(t, "LSTM: forget bias", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 1, 2, 2, 3, 1.0)
		c := constant4D(g, 1, 2, 2, 2, prevC)
		h := constant4D(g, 1, 2, 2, 2, 0.7)
		output, newState := cell.Step(ctx, x, SplitState(c, h))
		gotC, gotH := newState.Split()
		inputs = []*Node{x}
		outputs = []*Node{output, gotC, gotH}
		return
	}, []any{
		fill4D(1, 2, 2, 2, float32(newH)),
		fill4D(1, 2, 2, 2, float32(newC)),
		fill4D(1, 2, 2, 2, float32(newH)),
	}, 1e-6)
}

func TestLSTMForgetBiasOnlyZeroPath(t *testing.T) {
	// Zero input, zero state, zero weights: new_c = sigmoid(1)*0 +
	// sigmoid(0)*tanh(0) = 0 and new_h = tanh(0)*sigmoid(0) = 0. Only the
	// forget bias is active, and it has nothing to retain.
	cell, err := NewLSTM(LSTMConfig{
		Shape:      [2]int{2, 2},
		FilterSize: [2]int{3, 3},
		OutDepth:   2,
		StateTuple: true,
		KernelInit: ConstantInitializer(0),
		BiasInit:   ConstantInitializer(0),
	})
	require.NoError(t, err)

	ctxtest.RunTestGraphFn(t, "LSTM: forget-bias-only zero path", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 1, 2, 2, 3, 0)
		output, newState := cell.Step(ctx, x, cell.ZeroState(g, dtypes.Float32, 1))
		gotC, gotH := newState.Split()
		inputs = []*Node{x}
		outputs = []*Node{output, gotC, gotH}
		return
	}, []any{
		fill4D(1, 2, 2, 2, 0),
		fill4D(1, 2, 2, 2, 0),
		fill4D(1, 2, 2, 2, 0),
	}, 1e-7)
}

func TestLSTMGateOrder(t *testing.T) {
	// Per-slice bias constants pin the (i, j, f, o) channel order: the
	// input gate saturates open, the forget gate saturates closed (despite
	// the +1 forget bias), so the new cell state is just tanh(j).
	const depth = 2
	biasInit := func(g *Graph, shape shapes.Shape) *Node {
		part := func(value float64) *Node {
			return MulScalar(Ones(g, shapes.Make(shape.DType, depth)), value)
		}
		return Concatenate([]*Node{part(30), part(0.4), part(-30), part(0.8)}, 0)
	}
	cell, err := NewLSTM(LSTMConfig{
		Shape:      [2]int{2, 2},
		FilterSize: [2]int{3, 3},
		OutDepth:   depth,
		StateTuple: true,
		KernelInit: ConstantInitializer(0),
		BiasInit:   biasInit,
	})
	require.NoError(t, err)

	newC := math.Tanh(0.4)
	newH := math.Tanh(newC) * sigmoid(0.8)
	ctxtest.RunTestGraphFn(t, "LSTM: gate order", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 1, 2, 2, 3, 1.0)
		c := constant4D(g, 1, 2, 2, depth, 0.9)
		h := constant4D(g, 1, 2, 2, depth, 0.1)
		output, newState := cell.Step(ctx, x, SplitState(c, h))
		gotC, _ := newState.Split()
		inputs = []*Node{x}
		outputs = []*Node{output, gotC}
		return
	}, []any{
		fill4D(1, 2, 2, depth, float32(newH)),
		fill4D(1, 2, 2, depth, float32(newC)),
	}, 1e-4)
}

func TestLSTMPeepholes(t *testing.T) {
	// The peephole diagonals feed the previous cell state into the gate
	// pre-activations. An initializer keyed on rank sets the convolution
	// kernel (rank 4) to zero and the peephole weights (rank 3) to 2.0.
	const depth = 2
	kernelInit := func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() == 3 {
			return MulScalar(Ones(g, shape), 2.0)
		}
		return Zeros(g, shape)
	}
	cell, err := NewLSTM(LSTMConfig{
		Shape:        [2]int{2, 2},
		FilterSize:   [2]int{3, 3},
		OutDepth:     depth,
		UsePeepholes: true,
		StateTuple:   true,
		KernelInit:   kernelInit,
		BiasInit:     ConstantInitializer(0),
	})
	require.NoError(t, err)

	prevC := 0.5
	newC := prevC*sigmoid(1+2*prevC) + sigmoid(2*prevC)*math.Tanh(0)
	newH := math.Tanh(newC) * sigmoid(2*prevC)
	ctxtest.RunTestGraphFn(t, "LSTM: peepholes", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 1, 2, 2, 3, 1.0)
		c := constant4D(g, 1, 2, 2, depth, prevC)
		h := constant4D(g, 1, 2, 2, depth, 0.7)
		output, newState := cell.Step(ctx, x, SplitState(c, h))
		gotC, _ := newState.Split()
		inputs = []*Node{x}
		outputs = []*Node{output, gotC}
		return
	}, []any{
		fill4D(1, 2, 2, depth, float32(newH)),
		fill4D(1, 2, 2, depth, float32(newC)),
	}, 1e-6)
}

func TestLSTMConcatenatedState(t *testing.T) {
	// Without StateTuple the state is one tensor, c and h concatenated on
	// the channel axis, and the step accepts and returns that layout.
	cell, err := NewLSTM(LSTMConfig{
		Shape:      [2]int{2, 2},
		FilterSize: [2]int{3, 3},
		OutDepth:   2,
		KernelInit: ConstantInitializer(0),
		BiasInit:   ConstantInitializer(0),
	})
	require.NoError(t, err)

	prevC := 0.5
	newC := prevC * sigmoid(1)
	newH := math.Tanh(newC) * sigmoid(0)
	ctxtest.RunTestGraphFn(t, "LSTM: concatenated state", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 1, 2, 2, 3, 1.0)
		c := constant4D(g, 1, 2, 2, 2, prevC)
		h := constant4D(g, 1, 2, 2, 2, 0.7)
		state := SingleState(Concatenate([]*Node{c, h}, -1))
		output, newState := cell.Step(ctx, x, state)
		require.False(t, newState.IsSplit())
		require.Equal(t, []int{1, 2, 2, 4}, newState.Single().Shape().Dimensions)
		inputs = []*Node{x}
		outputs = []*Node{output, newState.Single()}
		return
	}, []any{
		fill4D(1, 2, 2, 2, float32(newH)),
		// c on the first two channels, h on the last two.
		concatChannels(fill4D(1, 2, 2, 2, float32(newC)), fill4D(1, 2, 2, 2, float32(newH))),
	}, 1e-6)
}

func TestLSTMLayerNorm(t *testing.T) {
	// Layer normalization maps the constant gate pre-activations to their
	// shift (0 here, with variance 0 the epsilon keeps the division
	// finite), so every gate behaves as sigmoid(0) except the forget gate,
	// which keeps its +1 bias applied after normalization.
	cell, err := NewLSTM(LSTMConfig{
		Shape:      [2]int{2, 2},
		FilterSize: [2]int{3, 3},
		OutDepth:   2,
		StateTuple: true,
		LayerNorm:  true,
		KernelInit: ConstantInitializer(0),
		BiasInit:   ConstantInitializer(0.3),
	})
	require.NoError(t, err)

	// The new cell state is constant across channels, so the "state"
	// normalization maps it to zero as well, and the hidden state follows:
	// tanh(0) * sigmoid(0) = 0.
	ctxtest.RunTestGraphFn(t, "LSTM: layer norm", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 1, 2, 2, 3, 1.0)
		c := constant4D(g, 1, 2, 2, 2, 0.5)
		h := constant4D(g, 1, 2, 2, 2, 0.7)
		output, newState := cell.Step(ctx, x, SplitState(c, h))
		gotC, _ := newState.Split()
		inputs = []*Node{x}
		outputs = []*Node{output, gotC}
		return
	}, []any{
		fill4D(1, 2, 2, 2, 0),
		fill4D(1, 2, 2, 2, 0),
	}, 1e-3)
}

// concatChannels concatenates two [batch, height, width, depth] nested
// slices on the channel axis.
func concatChannels(a, b [][][][]float32) [][][][]float32 {
	out := make([][][][]float32, len(a))
	for i := range a {
		out[i] = make([][][]float32, len(a[i]))
		for j := range a[i] {
			out[i][j] = make([][]float32, len(a[i][j]))
			for k := range a[i][j] {
				row := append(append([]float32(nil), a[i][j][k]...), b[i][j][k]...)
				out[i][j][k] = row
			}
		}
	}
	return out
}
