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
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
)

// NormBasicConfig configures a NormBasic cell. Shape, FilterSize and
// OutDepth are required.
type NormBasicConfig struct {
	Shape      [2]int
	FilterSize [2]int
	OutDepth   int

	// LayerNorm applies layer normalization (learned gain and shift over
	// the channel axis) to the summed pre-activation.
	LayerNorm bool

	// KernelRegularizer and BiasRegularizer are L2 strengths applied to
	// both linear transforms. Default is 0; a typical value is 5e-4.
	KernelRegularizer, BiasRegularizer float64

	// Activation applied after the (optionally normalized) sum. Defaults
	// to Elu.
	Activation Activation

	KernelInit, BiasInit initializers.VariableInitializer
}

// NormBasic is a Basic cell with independently parameterized state and
// input transforms, optional layer normalization, and per-transform L2
// regularization: `output = activation(norm(Linear(input) + Linear(state)))`.
type NormBasic struct {
	shape, filterSize    [2]int
	outDepth             int
	layerNorm            bool
	kernelReg, biasReg   float64
	activation           Activation
	kernelInit, biasInit initializers.VariableInitializer
}

// NewNormBasic creates a NormBasic cell. No parameters are allocated until
// the first Step call.
func NewNormBasic(cfg NormBasicConfig) (*NormBasic, error) {
	if err := validateCellConfig("NormBasic", cfg.Shape, cfg.FilterSize, cfg.OutDepth); err != nil {
		return nil, err
	}
	activation := cfg.Activation
	if activation == nil {
		activation = Elu
	}
	return &NormBasic{
		shape:      cfg.Shape,
		filterSize: cfg.FilterSize,
		outDepth:   cfg.OutDepth,
		layerNorm:  cfg.LayerNorm,
		kernelReg:  cfg.KernelRegularizer,
		biasReg:    cfg.BiasRegularizer,
		activation: activation,
		kernelInit: cfg.KernelInit,
		biasInit:   cfg.BiasInit,
	}, nil
}

// Step implements Cell. The state and input transforms own independent
// kernels, created under the "s" and "i" sub-scopes respectively.
func (c *NormBasic) Step(ctx *context.Context, input *Node, state State) (*Node, State) {
	ctx = ctx.In("norm_basic")
	s := Linear(ctx.In("s"), state.Single()).
		FilterSize(c.filterSize[0], c.filterSize[1]).
		OutDepth(c.outDepth).
		KernelInitializer(c.kernelInit).
		BiasInitializer(c.biasInit).
		KernelRegularizer(c.kernelReg).
		BiasRegularizer(c.biasReg).
		Done()
	i := Linear(ctx.In("i"), input).
		FilterSize(c.filterSize[0], c.filterSize[1]).
		OutDepth(c.outDepth).
		KernelInitializer(c.kernelInit).
		BiasInitializer(c.biasInit).
		KernelRegularizer(c.kernelReg).
		BiasRegularizer(c.biasReg).
		Done()

	sum := Add(i, s)
	if c.layerNorm {
		sum = layers.LayerNormalization(ctx, sum, -1).Done()
	}
	output := c.activation(sum)
	return output, SingleState(output)
}

// ZeroState implements Cell.
func (c *NormBasic) ZeroState(g *Graph, dtype dtypes.DType, batchSize int) State {
	return SingleState(zeros4D(g, dtype, batchSize, c.shape[0], c.shape[1], c.outDepth))
}

// OutputSize implements Cell.
func (c *NormBasic) OutputSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }

// StateSize implements Cell.
func (c *NormBasic) StateSize() Size { return SingleSize(c.shape[0], c.shape[1], c.outDepth) }
