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

package convrnn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// LSTMConfig configures an LSTM cell. Shape, FilterSize and OutDepth are
// required.
type LSTMConfig struct {
	Shape      [2]int
	FilterSize [2]int
	OutDepth   int

	// UsePeepholes enables the three learned diagonal connections from the
	// previous cell state into the forget, input and output gates.
	UsePeepholes bool

	// ForgetBias is added to the forget-gate pre-activation, biasing early
	// training toward retaining state. The zero value selects the default
	// of 1.0.
	ForgetBias float64

	// StateTuple selects the (c, h) pair state representation. When false,
	// the state is a single tensor with c and h concatenated on the
	// channel axis. The representation is fixed here and never inferred at
	// call time.
	StateTuple bool

	// LayerNorm applies layer normalization independently to each of the
	// four gate pre-activations and again to the new cell state.
	LayerNorm bool

	// NormGain and NormShift initialize the layer-normalization gain and
	// shift. A zero NormGain selects the default of 1.0.
	NormGain, NormShift float64

	// WeightDecay is the L2 regularization strength for the gate kernel.
	WeightDecay float64

	// Activation for the new-input and cell-state paths. Defaults to Tanh.
	Activation Activation

	KernelInit, BiasInit initializers.VariableInitializer
}

// LSTM is a convolutional long short-term memory cell with optional
// peephole connections and layer normalization. One linear transform over
// `[input, h]` produces the four gate pre-activations, split on the
// channel axis in the fixed order: input gate, new input, forget gate,
// output gate.
type LSTM struct {
	shape, filterSize    [2]int
	outDepth             int
	usePeepholes         bool
	forgetBias           float64
	stateTuple           bool
	layerNorm            bool
	normGain, normShift  float64
	weightDecay          float64
	activation           Activation
	kernelInit, biasInit initializers.VariableInitializer
}

// NewLSTM creates an LSTM cell. No parameters are allocated until the
// first Step call.
func NewLSTM(cfg LSTMConfig) (*LSTM, error) {
	if err := validateCellConfig("LSTM", cfg.Shape, cfg.FilterSize, cfg.OutDepth); err != nil {
		return nil, err
	}
	activation := cfg.Activation
	if activation == nil {
		activation = Tanh
	}
	forgetBias := cfg.ForgetBias
	if forgetBias == 0 {
		forgetBias = 1.0
	}
	normGain := cfg.NormGain
	if normGain == 0 {
		normGain = 1.0
	}
	return &LSTM{
		shape:        cfg.Shape,
		filterSize:   cfg.FilterSize,
		outDepth:     cfg.OutDepth,
		usePeepholes: cfg.UsePeepholes,
		forgetBias:   forgetBias,
		stateTuple:   cfg.StateTuple,
		layerNorm:    cfg.LayerNorm,
		normGain:     normGain,
		normShift:    cfg.NormShift,
		weightDecay:  cfg.WeightDecay,
		activation:   activation,
		kernelInit:   cfg.KernelInit,
		biasInit:     cfg.BiasInit,
	}, nil
}

// peephole returns one of the learned diagonal weight tensors, shaped
// `[height, width, OutDepth]` and reshaped for broadcasting against the
// `[batch, height, width, OutDepth]` cell state.
func (c *LSTM) peephole(ctx *context.Context, g *Graph, dtype dtypes.DType, name string) *Node {
	v := ctx.VariableWithShape(name, shapes.Make(dtype, c.shape[0], c.shape[1], c.outDepth))
	return Reshape(v.ValueGraph(g), 1, c.shape[0], c.shape[1], c.outDepth)
}

// Step implements Cell. The returned output is always the new hidden
// state; the returned state follows the representation fixed at
// construction.
func (c *LSTM) Step(ctx *context.Context, input *Node, state State) (*Node, State) {
	ctx = ctx.In("lstm")
	g := input.Graph()
	dtype := input.DType()

	var prevC, prevH *Node
	if c.stateTuple {
		prevC, prevH = state.Split()
	} else {
		parts := splitChannelsEven(state.Single(), 2)
		prevC, prevH = parts[0], parts[1]
	}

	concat := Linear(ctx, input, prevH).
		FilterSize(c.filterSize[0], c.filterSize[1]).
		OutDepth(4 * c.outDepth).
		KernelInitializer(c.kernelInit).
		BiasInitializer(c.biasInit).
		KernelRegularizer(c.weightDecay).
		Done()
	gates := splitChannelsEven(concat, 4)
	i, j, f, o := gates[0], gates[1], gates[2], gates[3]

	if c.layerNorm {
		i = normalize(ctx, i, "input", c.normGain, c.normShift)
		j = normalize(ctx, j, "transform", c.normGain, c.normShift)
		f = normalize(ctx, f, "forget", c.normGain, c.normShift)
		o = normalize(ctx, o, "output", c.normGain, c.normShift)
	}

	var wFDiag, wIDiag, wODiag *Node
	if c.usePeepholes {
		peepCtx := ctx.In("peepholes")
		if c.kernelInit != nil {
			peepCtx = peepCtx.WithInitializer(c.kernelInit)
		}
		wFDiag = c.peephole(peepCtx, g, dtype, "w_f_diag")
		wIDiag = c.peephole(peepCtx, g, dtype, "w_i_diag")
		wODiag = c.peephole(peepCtx, g, dtype, "w_o_diag")
	}

	fPre := AddScalar(f, c.forgetBias)
	iPre := i
	if c.usePeepholes {
		fPre = Add(fPre, Mul(wFDiag, prevC))
		iPre = Add(iPre, Mul(wIDiag, prevC))
	}
	newC := Add(
		Mul(prevC, Sigmoid(fPre)),
		Mul(Sigmoid(iPre), c.activation(j)))
	if c.layerNorm {
		newC = normalize(ctx, newC, "state", c.normGain, c.normShift)
	}

	oPre := o
	if c.usePeepholes {
		oPre = Add(oPre, Mul(wODiag, prevC))
	}
	newH := Mul(c.activation(newC), Sigmoid(oPre))

	if c.stateTuple {
		return newH, SplitState(newC, newH)
	}
	return newH, SingleState(Concatenate([]*Node{newC, newH}, -1))
}

// ZeroState implements Cell. Its structure follows the state
// representation fixed at construction.
func (c *LSTM) ZeroState(g *Graph, dtype dtypes.DType, batchSize int) State {
	if c.stateTuple {
		return SplitState(
			zeros4D(g, dtype, batchSize, c.shape[0], c.shape[1], c.outDepth),
			zeros4D(g, dtype, batchSize, c.shape[0], c.shape[1], c.outDepth))
	}
	return SingleState(zeros4D(g, dtype, batchSize, c.shape[0], c.shape[1], 2*c.outDepth))
}

// OutputSize implements Cell.
func (c *LSTM) OutputSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }

// StateSize implements Cell.
func (c *LSTM) StateSize() Size {
	if c.stateTuple {
		part := []int{c.shape[0], c.shape[1], c.outDepth}
		return SplitSize(part, part)
	}
	return SingleSize(c.shape[0], c.shape[1], 2*c.outDepth)
}
