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

// GRUConfig configures a GRU cell. Shape, FilterSize and OutDepth are
// required.
type GRUConfig struct {
	Shape      [2]int
	FilterSize [2]int
	OutDepth   int

	// Activation applied to the candidate pre-activation. Defaults to Tanh.
	Activation Activation

	// KernelInit overrides the context's initializer for both kernels.
	KernelInit initializers.VariableInitializer

	// BiasInit overrides the bias initializer. When unset, the gates bias
	// starts at 1.0 so the cell neither resets nor updates early in
	// training, and the candidate bias uses the context default.
	BiasInit initializers.VariableInitializer
}

// GRU is a convolutional gated recurrent unit. One linear transform over
// `[input, state]` produces the reset gate `r` and update gate `u` (in
// that order on the channel axis); a second produces the candidate from
// `[input, r*state]`. The new state is `u*state + (1-u)*candidate`.
type GRU struct {
	shape, filterSize    [2]int
	outDepth             int
	activation           Activation
	kernelInit, biasInit initializers.VariableInitializer
}

// NewGRU creates a GRU cell. No parameters are allocated until the first
// Step call.
func NewGRU(cfg GRUConfig) (*GRU, error) {
	if err := validateCellConfig("GRU", cfg.Shape, cfg.FilterSize, cfg.OutDepth); err != nil {
		return nil, err
	}
	activation := cfg.Activation
	if activation == nil {
		activation = Tanh
	}
	return &GRU{
		shape:      cfg.Shape,
		filterSize: cfg.FilterSize,
		outDepth:   cfg.OutDepth,
		activation: activation,
		kernelInit: cfg.KernelInit,
		biasInit:   cfg.BiasInit,
	}, nil
}

// Step implements Cell.
func (c *GRU) Step(ctx *context.Context, input *Node, state State) (*Node, State) {
	ctx = ctx.In("gru")
	prev := state.Single()

	gatesBias := c.biasInit
	if gatesBias == nil {
		gatesBias = ConstantInitializer(1.0)
	}
	value := Sigmoid(
		Linear(ctx.In("gates"), input, prev).
			FilterSize(c.filterSize[0], c.filterSize[1]).
			OutDepth(2 * c.outDepth).
			KernelInitializer(c.kernelInit).
			BiasInitializer(gatesBias).
			Done())
	gates := splitChannelsEven(value, 2)
	r, u := gates[0], gates[1]

	candidate := c.activation(
		Linear(ctx.In("candidates"), input, Mul(r, prev)).
			FilterSize(c.filterSize[0], c.filterSize[1]).
			OutDepth(c.outDepth).
			KernelInitializer(c.kernelInit).
			BiasInitializer(c.biasInit).
			Done())

	newH := Add(Mul(u, prev), Mul(OneMinus(u), candidate))
	return newH, SingleState(newH)
}

// ZeroState implements Cell.
func (c *GRU) ZeroState(g *Graph, dtype dtypes.DType, batchSize int) State {
	return SingleState(zeros4D(g, dtype, batchSize, c.shape[0], c.shape[1], c.outDepth))
}

// OutputSize implements Cell.
func (c *GRU) OutputSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }

// StateSize implements Cell.
func (c *GRU) StateSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }
