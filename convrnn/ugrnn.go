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
	"github.com/gomlx/gopjrt/dtypes"
)

// UGRNNConfig configures a UGRNN cell. Shape, FilterSize and OutDepth are
// required.
type UGRNNConfig struct {
	Shape      [2]int
	FilterSize [2]int
	OutDepth   int

	// ForgetBias is added to the gate pre-activation. The zero value
	// selects the default of 1.0.
	ForgetBias float64

	// LayerNorm applies layer normalization to the gate and candidate
	// pre-activations.
	LayerNorm bool

	// NormGain and NormShift initialize the layer-normalization gain and
	// shift. A zero NormGain selects the default of 1.0.
	NormGain, NormShift float64

	// WeightDecay is the L2 regularization strength applied to both the
	// kernel and the bias.
	WeightDecay float64

	KernelInit, BiasInit initializers.VariableInitializer
}

// UGRNN is an update-gate RNN cell: one linear transform over
// `[input, state]` produces the gate and candidate pre-activations, in
// that order on the channel axis. With `g = sigmoid(gate + forgetBias)`
// and `c = tanh(candidate)`, the new state is `g*state + (1-g)*c`.
type UGRNN struct {
	shape, filterSize    [2]int
	outDepth             int
	forgetBias           float64
	layerNorm            bool
	normGain, normShift  float64
	weightDecay          float64
	kernelInit, biasInit initializers.VariableInitializer
}

// NewUGRNN creates a UGRNN cell. No parameters are allocated until the
// first Step call.
func NewUGRNN(cfg UGRNNConfig) (*UGRNN, error) {
	if err := validateCellConfig("UGRNN", cfg.Shape, cfg.FilterSize, cfg.OutDepth); err != nil {
		return nil, err
	}
	forgetBias := cfg.ForgetBias
	if forgetBias == 0 {
		forgetBias = 1.0
	}
	normGain := cfg.NormGain
	if normGain == 0 {
		normGain = 1.0
	}
	return &UGRNN{
		shape:       cfg.Shape,
		filterSize:  cfg.FilterSize,
		outDepth:    cfg.OutDepth,
		forgetBias:  forgetBias,
		layerNorm:   cfg.LayerNorm,
		normGain:    normGain,
		normShift:   cfg.NormShift,
		weightDecay: cfg.WeightDecay,
		kernelInit:  cfg.KernelInit,
		biasInit:    cfg.BiasInit,
	}, nil
}

// Step implements Cell.
func (c *UGRNN) Step(ctx *context.Context, input *Node, state State) (*Node, State) {
	ctx = ctx.In("ugrnn")
	prev := state.Single()

	concat := Linear(ctx, input, prev).
		FilterSize(c.filterSize[0], c.filterSize[1]).
		OutDepth(2 * c.outDepth).
		KernelInitializer(c.kernelInit).
		BiasInitializer(c.biasInit).
		KernelRegularizer(c.weightDecay).
		BiasRegularizer(c.weightDecay).
		Done()
	acts := splitChannelsEven(concat, 2)
	gateAct, candidateAct := acts[0], acts[1]

	if c.layerNorm {
		gateAct = normalize(ctx, gateAct, "g_act", c.normGain, c.normShift)
		candidateAct = normalize(ctx, candidateAct, "c_act", c.normGain, c.normShift)
	}

	candidate := Tanh(candidateAct)
	gate := Sigmoid(AddScalar(gateAct, c.forgetBias))
	newState := Add(Mul(gate, prev), Mul(OneMinus(gate), candidate))
	return newState, SingleState(newState)
}

// ZeroState implements Cell.
func (c *UGRNN) ZeroState(g *Graph, dtype dtypes.DType, batchSize int) State {
	return SingleState(zeros4D(g, dtype, batchSize, c.shape[0], c.shape[1], c.outDepth))
}

// OutputSize implements Cell.
func (c *UGRNN) OutputSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }

// StateSize implements Cell.
func (c *UGRNN) StateSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }
