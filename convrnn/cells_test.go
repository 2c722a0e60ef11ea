package convrnn

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/ctxtest"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func TestCellConfigValidation(t *testing.T) {
	var configErr *ConfigurationError

	_, err := NewBasic(BasicConfig{FilterSize: [2]int{3, 3}, OutDepth: 4})
	require.Error(t, err)
	require.True(t, errors.As(err, &configErr), "want a *ConfigurationError, got %+v", err)

	_, err = NewGRU(GRUConfig{Shape: [2]int{4, 4}, OutDepth: 4})
	require.Error(t, err)
	require.True(t, errors.As(err, &configErr), "want a *ConfigurationError, got %+v", err)

	_, err = NewLSTM(LSTMConfig{Shape: [2]int{4, 4}, FilterSize: [2]int{3, 3}})
	require.Error(t, err)
	require.True(t, errors.As(err, &configErr), "want a *ConfigurationError, got %+v", err)
}

func TestZeroStateShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "zero states")
	shape := [2]int{4, 6}
	filter := [2]int{3, 3}
	depth := 5

	newCells := []func() (Cell, error){
		func() (Cell, error) { return NewBasic(BasicConfig{Shape: shape, FilterSize: filter, OutDepth: depth}) },
		func() (Cell, error) {
			return NewNormBasic(NormBasicConfig{Shape: shape, FilterSize: filter, OutDepth: depth})
		},
		func() (Cell, error) { return NewGRU(GRUConfig{Shape: shape, FilterSize: filter, OutDepth: depth}) },
		func() (Cell, error) { return NewUGRNN(UGRNNConfig{Shape: shape, FilterSize: filter, OutDepth: depth}) },
		func() (Cell, error) {
			return NewIntersectionRNN(IntersectionRNNConfig{Shape: shape, FilterSize: filter, OutDepth: depth})
		},
	}
	for batchSize := 1; batchSize <= 3; batchSize += 2 {
		for _, newCell := range newCells {
			cell, err := newCell()
			require.NoError(t, err)
			state := cell.ZeroState(g, dtypes.Float32, batchSize)
			require.False(t, state.IsSplit())
			require.Equal(t, []int{batchSize, shape[0], shape[1], depth},
				state.Single().Shape().Dimensions)
			require.Equal(t, []int{shape[0], shape[1], depth}, cell.StateSize().Dims())
			require.Equal(t, []int{shape[0], shape[1], depth}, cell.OutputSize().Dims())
		}
	}

	// The LSTM zero state follows the representation fixed at construction.
	tuple, err := NewLSTM(LSTMConfig{Shape: shape, FilterSize: filter, OutDepth: depth, StateTuple: true})
	require.NoError(t, err)
	state := tuple.ZeroState(g, dtypes.Float32, 2)
	require.True(t, state.IsSplit())
	c, h := state.Split()
	require.Equal(t, []int{2, shape[0], shape[1], depth}, c.Shape().Dimensions)
	require.Equal(t, []int{2, shape[0], shape[1], depth}, h.Shape().Dimensions)

	concatenated, err := NewLSTM(LSTMConfig{Shape: shape, FilterSize: filter, OutDepth: depth})
	require.NoError(t, err)
	state = concatenated.ZeroState(g, dtypes.Float32, 2)
	require.False(t, state.IsSplit())
	require.Equal(t, []int{2, shape[0], shape[1], 2 * depth}, state.Single().Shape().Dimensions)
}

func TestZeroStateIsZeroFilled(t *testing.T) {
	cell, err := NewBasic(BasicConfig{Shape: [2]int{2, 2}, FilterSize: [2]int{3, 3}, OutDepth: 3})
	require.NoError(t, err)
	lstm, err := NewLSTM(LSTMConfig{Shape: [2]int{2, 2}, FilterSize: [2]int{3, 3}, OutDepth: 3, StateTuple: true})
	require.NoError(t, err)
	ctxtest.RunTestGraphFn(t, "zero states are zero", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		c, h := lstm.ZeroState(g, dtypes.Float32, 2).Split()
		outputs = []*Node{
			cell.ZeroState(g, dtypes.Float32, 2).Single(),
			c, h,
		}
		return
	}, []any{
		fill4D(2, 2, 2, 3, 0),
		fill4D(2, 2, 2, 3, 0),
		fill4D(2, 2, 2, 3, 0),
	}, 0)
}

func TestBasicStep(t *testing.T) {
	// A zero kernel isolates the bias: output = tanh(0.5) everywhere, and
	// the new state is the output itself.
	cell, err := NewBasic(BasicConfig{
		Shape:      [2]int{4, 4},
		FilterSize: [2]int{3, 3},
		OutDepth:   8,
		KernelInit: ConstantInitializer(0),
		BiasInit:   ConstantInitializer(0.5),
	})
	require.NoError(t, err)
	want := float32(math.Tanh(0.5))
	ctxtest.RunTestGraphFn(t, "Basic: step", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 2, 4, 4, 3, 0)
		output, newState := cell.Step(ctx, x, cell.ZeroState(g, dtypes.Float32, 2))
		inputs = []*Node{x}
		outputs = []*Node{output, newState.Single()}
		return
	}, []any{
		fill4D(2, 4, 4, 8, want),
		fill4D(2, 4, 4, 8, want),
	}, 1e-6)
}

func TestNormBasicStep(t *testing.T) {
	// Independent input and state transforms, both with zero kernels and
	// bias 0.3: the pre-activation sum is 0.6 and the default activation is
	// Elu, the identity for non-negative values.
	cell, err := NewNormBasic(NormBasicConfig{
		Shape:      [2]int{2, 2},
		FilterSize: [2]int{3, 3},
		OutDepth:   3,
		KernelInit: ConstantInitializer(0),
		BiasInit:   ConstantInitializer(0.3),
	})
	require.NoError(t, err)
	ctxtest.RunTestGraphFn(t, "NormBasic: step", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 1, 2, 2, 4, 1.0)
		output, _ := cell.Step(ctx, x, cell.ZeroState(g, dtypes.Float32, 1))
		inputs = []*Node{x}
		outputs = []*Node{output}
		return
	}, []any{
		fill4D(1, 2, 2, 3, 0.6),
	}, 1e-6)
}

func TestEluNegativeBranch(t *testing.T) {
	// Elu(-1) = exp(-1) - 1; Elu(2) = 2.
	ctxtest.RunTestGraphFn(t, "Elu", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-1, 0, 2})
		outputs = []*Node{Elu(x)}
		return
	}, []any{
		[]float32{float32(math.Expm1(-1)), 0, 2},
	}, 1e-6)
}

func TestGRUGateOrder(t *testing.T) {
	// Zero kernels make the step purely bias-driven. The gates bias sets
	// the reset half to +10 and the update half to -10: sigmoid pushes the
	// update gate to ~0, so the new state is essentially the candidate,
	// tanh(0.7). If the reset/update channel order were swapped the result
	// would instead stay at the previous state, 0.8.
	const depth = 3
	biasInit := func(g *Graph, shape shapes.Shape) *Node {
		if shape.Size() == 2*depth {
			return Concatenate([]*Node{
				MulScalar(Ones(g, shapes.Make(shape.DType, depth)), 10),
				MulScalar(Ones(g, shapes.Make(shape.DType, depth)), -10),
			}, 0)
		}
		return MulScalar(Ones(g, shape), 0.7)
	}
	cell, err := NewGRU(GRUConfig{
		Shape:      [2]int{2, 2},
		FilterSize: [2]int{3, 3},
		OutDepth:   depth,
		KernelInit: ConstantInitializer(0),
		BiasInit:   biasInit,
	})
	require.NoError(t, err)

	u := sigmoid(-10)
	want := float32(u*0.8 + (1-u)*math.Tanh(0.7))
	ctxtest.RunTestGraphFn(t, "GRU: gate order", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 1, 2, 2, 2, 1.0)
		prev := constant4D(g, 1, 2, 2, depth, 0.8)
		output, newState := cell.Step(ctx, x, SingleState(prev))
		inputs = []*Node{x}
		outputs = []*Node{output, newState.Single()}
		return
	}, []any{
		fill4D(1, 2, 2, depth, want),
		fill4D(1, 2, 2, depth, want),
	}, 1e-5)
}

func TestGRUDefaultGatesBias(t *testing.T) {
	// With no bias override, the gates bias starts at 1.0 while the
	// candidate bias is left to the context default (zeros here via the
	// zero kernel initializer set as the context default). With zero
	// kernels: r = u = sigmoid(1), candidate = tanh(0) = 0, so the new
	// state is sigmoid(1) * prev.
	cell, err := NewGRU(GRUConfig{
		Shape:      [2]int{2, 2},
		FilterSize: [2]int{3, 3},
		OutDepth:   2,
		KernelInit: ConstantInitializer(0),
	})
	require.NoError(t, err)
	want := float32(sigmoid(1) * 0.5)
	ctxtest.RunTestGraphFn(t, "GRU: default gates bias", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		ctx = ctx.WithInitializer(ConstantInitializer(0))
		x := constant4D(g, 1, 2, 2, 2, 1.0)
		prev := constant4D(g, 1, 2, 2, 2, 0.5)
		output, _ := cell.Step(ctx, x, SingleState(prev))
		inputs = []*Node{x}
		outputs = []*Node{output}
		return
	}, []any{
		fill4D(1, 2, 2, 2, want),
	}, 1e-6)
}

func TestUGRNNGateOrder(t *testing.T) {
	// Gate half biased to -20 (saturating to 0 even after the +1 forget
	// bias), candidate half to 0.5: the new state is ~tanh(0.5). A swapped
	// channel order would return ~0.9, the previous state.
	const depth = 2
	biasInit := func(g *Graph, shape shapes.Shape) *Node {
		return Concatenate([]*Node{
			MulScalar(Ones(g, shapes.Make(shape.DType, depth)), -20),
			MulScalar(Ones(g, shapes.Make(shape.DType, depth)), 0.5),
		}, 0)
	}
	cell, err := NewUGRNN(UGRNNConfig{
		Shape:      [2]int{2, 2},
		FilterSize: [2]int{3, 3},
		OutDepth:   depth,
		KernelInit: ConstantInitializer(0),
		BiasInit:   biasInit,
	})
	require.NoError(t, err)

	gate := sigmoid(-20 + 1)
	want := float32(gate*0.9 + (1-gate)*math.Tanh(0.5))
	ctxtest.RunTestGraphFn(t, "UGRNN: gate order", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 1, 2, 2, 3, 1.0)
		prev := constant4D(g, 1, 2, 2, depth, 0.9)
		output, _ := cell.Step(ctx, x, SingleState(prev))
		inputs = []*Node{x}
		outputs = []*Node{output}
		return
	}, []any{
		fill4D(1, 2, 2, depth, want),
	}, 1e-5)
}

func TestIntersectionRNNStep(t *testing.T) {
	// Bias the four pre-activation slices (gh, h, gy, y) so the time gate
	// saturates to 0 and the depth gate to 1: the new state becomes
	// tanh(0.6) and the output carries the input through.
	const depth = 2
	biasInit := func(g *Graph, shape shapes.Shape) *Node {
		part := func(value float64) *Node {
			return MulScalar(Ones(g, shapes.Make(shape.DType, depth)), value)
		}
		return Concatenate([]*Node{part(-30), part(0.6), part(30), part(-2)}, 0)
	}
	cell, err := NewIntersectionRNN(IntersectionRNNConfig{
		Shape:      [2]int{2, 2},
		FilterSize: [2]int{3, 3},
		OutDepth:   depth,
		KernelInit: ConstantInitializer(0),
		BiasInit:   biasInit,
	})
	require.NoError(t, err)
	ctxtest.RunTestGraphFn(t, "IntersectionRNN: step", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := constant4D(g, 1, 2, 2, depth, 0.3)
		prev := constant4D(g, 1, 2, 2, depth, 0.9)
		output, newState := cell.Step(ctx, x, SingleState(prev))
		inputs = []*Node{x}
		outputs = []*Node{output, newState.Single()}
		return
	}, []any{
		fill4D(1, 2, 2, depth, 0.3),
		fill4D(1, 2, 2, depth, float32(math.Tanh(0.6))),
	}, 1e-4)
}

func TestIntersectionRNNRejectsMismatchedInput(t *testing.T) {
	// The depth path carries the input, so the input must share the cell's
	// full shape. The check fires before any parameter is allocated.
	cell, err := NewIntersectionRNN(IntersectionRNNConfig{
		Shape:      [2]int{4, 4},
		FilterSize: [2]int{3, 3},
		OutDepth:   3,
	})
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	err = exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "mismatched input")
		x := Ones(g, shapes.Make(dtypes.Float32, 1, 4, 4, 2)) // Depth 2, cell wants 3.
		cell.Step(ctx, x, cell.ZeroState(g, dtypes.Float32, 1))
	})
	require.Error(t, err)
	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr), "want a *ShapeError, got %+v", err)
	require.Zero(t, ctx.NumVariables())
}

func TestLayerNormNormalizes(t *testing.T) {
	// With default gain 1 and shift 0, a feature vector is centered and
	// scaled to unit variance.
	ctxtest.RunTestGraphFn(t, "normalize", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{1, 3}}}})
		outputs = []*Node{normalize(ctx, x, "test", 1.0, 0.0)}
		return
	}, []any{
		[][][][]float32{{{{-1, 1}}}},
	}, 1e-3)
}
