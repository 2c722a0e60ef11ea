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
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

// IntersectionRNNConfig configures an IntersectionRNN cell. Shape,
// FilterSize and OutDepth are required.
type IntersectionRNNConfig struct {
	Shape      [2]int
	FilterSize [2]int
	OutDepth   int

	// ForgetBias is added to both gate pre-activations. The zero value
	// selects the default of 1.0.
	ForgetBias float64

	// LayerNorm applies layer normalization to the four pre-activations.
	LayerNorm bool

	// NormGain and NormShift initialize the layer-normalization gain and
	// shift. A zero NormGain selects the default of 1.0.
	NormGain, NormShift float64

	// WeightDecay is the L2 regularization strength applied to both the
	// kernel and the bias.
	WeightDecay float64

	KernelInit, BiasInit initializers.VariableInitializer
}

// IntersectionRNN mixes a depth (layer-to-layer) path with a time
// (recurrent) path of equal width, so its input must share the cell's full
// `(height, width, OutDepth)` shape. One linear transform over
// `[input, state]` produces four pre-activations in the fixed channel
// order `(gh, h, gy, y)`. The time path returns
// `gh*state + (1-gh)*tanh(h)` as the new state; the depth path returns
// `gy*input + (1-gy)*relu(y)` as the output -- note the carry term is the
// input, not the state.
type IntersectionRNN struct {
	shape, filterSize    [2]int
	outDepth             int
	forgetBias           float64
	layerNorm            bool
	normGain, normShift  float64
	weightDecay          float64
	kernelInit, biasInit initializers.VariableInitializer
}

// NewIntersectionRNN creates an IntersectionRNN cell. No parameters are
// allocated until the first Step call.
func NewIntersectionRNN(cfg IntersectionRNNConfig) (*IntersectionRNN, error) {
	if err := validateCellConfig("IntersectionRNN", cfg.Shape, cfg.FilterSize, cfg.OutDepth); err != nil {
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
	return &IntersectionRNN{
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

// Step implements Cell. It panics with a *ShapeError, before any parameter
// is allocated, if the input shape disagrees with the configured
// `(height, width, OutDepth)`.
func (c *IntersectionRNN) Step(ctx *context.Context, input *Node, state State) (*Node, State) {
	ctx = ctx.In("intersection_rnn")
	if input.Rank() != 4 {
		panic(ShapeErrorf("IntersectionRNN expects a 4D input, got %s", input.Shape()))
	}
	dims := input.Shape().Dimensions
	if dims[1] != c.shape[0] || dims[2] != c.shape[1] || dims[3] != c.outDepth {
		panic(ShapeErrorf("IntersectionRNN input and output shapes must match: input is %s, cell is (%d, %d, %d)",
			input.Shape(), c.shape[0], c.shape[1], c.outDepth))
	}
	prev := state.Single()

	concat := Linear(ctx, input, prev).
		FilterSize(c.filterSize[0], c.filterSize[1]).
		OutDepth(4 * c.outDepth).
		KernelInitializer(c.kernelInit).
		BiasInitializer(c.biasInit).
		KernelRegularizer(c.weightDecay).
		BiasRegularizer(c.weightDecay).
		Done()
	acts := splitChannelsEven(concat, 4)
	ghAct, hAct, gyAct, yAct := acts[0], acts[1], acts[2], acts[3]

	if c.layerNorm {
		ghAct = normalize(ctx, ghAct, "gh_act", c.normGain, c.normShift)
		hAct = normalize(ctx, hAct, "h_act", c.normGain, c.normShift)
		gyAct = normalize(ctx, gyAct, "gy_act", c.normGain, c.normShift)
		yAct = normalize(ctx, yAct, "y_act", c.normGain, c.normShift)
	}

	h := Tanh(hAct)
	y := activations.Relu(yAct)
	gh := Sigmoid(AddScalar(ghAct, c.forgetBias))
	gy := Sigmoid(AddScalar(gyAct, c.forgetBias))

	newState := Add(Mul(gh, prev), Mul(OneMinus(gh), h)) // time path
	output := Add(Mul(gy, input), Mul(OneMinus(gy), y))  // depth path
	return output, SingleState(newState)
}

// ZeroState implements Cell.
func (c *IntersectionRNN) ZeroState(g *Graph, dtype dtypes.DType, batchSize int) State {
	return SingleState(zeros4D(g, dtype, batchSize, c.shape[0], c.shape[1], c.outDepth))
}

// OutputSize implements Cell.
func (c *IntersectionRNN) OutputSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }

// StateSize implements Cell.
func (c *IntersectionRNN) StateSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }
