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

// BasicConfig configures a Basic cell. Shape, FilterSize and OutDepth are
// required.
type BasicConfig struct {
	// Shape is the (height, width) spatial extent of the cell.
	Shape [2]int

	// FilterSize is the (height, width) of the convolution kernel.
	FilterSize [2]int

	// OutDepth is the channel depth of the cell.
	OutDepth int

	// Activation applied to the affine pre-activation. Defaults to Tanh.
	Activation Activation

	// KernelInit and BiasInit override the context's variable initializer
	// for the kernel and bias.
	KernelInit, BiasInit initializers.VariableInitializer
}

// Basic is the simplest convolutional recurrent cell:
// `output = activation(Linear([input, state]))`, with the output doubling
// as the new state.
type Basic struct {
	shape, filterSize [2]int
	outDepth          int
	activation        Activation

	kernelInit, biasInit initializers.VariableInitializer
}

// NewBasic creates a Basic cell. No parameters are allocated until the
// first Step call.
func NewBasic(cfg BasicConfig) (*Basic, error) {
	if err := validateCellConfig("Basic", cfg.Shape, cfg.FilterSize, cfg.OutDepth); err != nil {
		return nil, err
	}
	activation := cfg.Activation
	if activation == nil {
		activation = Tanh
	}
	return &Basic{
		shape:      cfg.Shape,
		filterSize: cfg.FilterSize,
		outDepth:   cfg.OutDepth,
		activation: activation,
		kernelInit: cfg.KernelInit,
		biasInit:   cfg.BiasInit,
	}, nil
}

// Step implements Cell.
func (c *Basic) Step(ctx *context.Context, input *Node, state State) (*Node, State) {
	ctx = ctx.In("basic")
	output := c.activation(
		Linear(ctx, input, state.Single()).
			FilterSize(c.filterSize[0], c.filterSize[1]).
			OutDepth(c.outDepth).
			KernelInitializer(c.kernelInit).
			BiasInitializer(c.biasInit).
			Done())
	return output, SingleState(output)
}

// ZeroState implements Cell.
func (c *Basic) ZeroState(g *Graph, dtype dtypes.DType, batchSize int) State {
	return SingleState(zeros4D(g, dtype, batchSize, c.shape[0], c.shape[1], c.outDepth))
}

// OutputSize implements Cell.
func (c *Basic) OutputSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }

// StateSize implements Cell.
func (c *Basic) StateSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }
