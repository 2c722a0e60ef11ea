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
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/types/shapes"
)

// LinearBuilder configures a single learned convolutional affine transform
// over the channel-wise concatenation of one or more feature maps. Create
// it with Linear, set the desired parameters and call Done.
type LinearBuilder struct {
	ctx        *context.Context
	inputs     []*Node
	filterSize [2]int
	outDepth   int
	useBias    bool

	kernelInit, biasInit initializers.VariableInitializer
	kernelReg, biasReg   float64
}

// Linear prepares a learned affine transform: the inputs are concatenated
// on the channel axis, convolved with one kernel using "same" padding and
// stride 1, and an optional learned per-channel bias is added. Each input
// must be shaped `[batch, height, width, channels]`, all sharing the same
// batch and spatial dimensions.
//
// FilterSize and OutDepth must be set before calling Done. The kernel and
// bias variables ("weights" and "bias") are created in the current scope of
// ctx on first use and reused afterwards, so callers that want independent
// transforms must pass distinct scopes.
func Linear(ctx *context.Context, inputs ...*Node) *LinearBuilder {
	return &LinearBuilder{
		ctx:     ctx,
		inputs:  inputs,
		useBias: true,
	}
}

// FilterSize sets the kernel height and width. Required.
func (b *LinearBuilder) FilterSize(height, width int) *LinearBuilder {
	b.filterSize = [2]int{height, width}
	return b
}

// OutDepth sets the number of output channels. Required.
func (b *LinearBuilder) OutDepth(depth int) *LinearBuilder {
	b.outDepth = depth
	return b
}

// UseBias sets whether to add a learned per-channel bias. Default is true.
func (b *LinearBuilder) UseBias(useBias bool) *LinearBuilder {
	b.useBias = useBias
	return b
}

// KernelInitializer overrides the context's initializer for the kernel.
func (b *LinearBuilder) KernelInitializer(init initializers.VariableInitializer) *LinearBuilder {
	b.kernelInit = init
	return b
}

// BiasInitializer overrides the context's initializer for the bias.
func (b *LinearBuilder) BiasInitializer(init initializers.VariableInitializer) *LinearBuilder {
	b.biasInit = init
	return b
}

// KernelRegularizer sets an L2 regularization strength for the kernel.
// A value > 0 adds the scaled L2 norm of the kernel to the losses collected
// by train.GetLosses. Default is 0 (no regularization).
func (b *LinearBuilder) KernelRegularizer(l2 float64) *LinearBuilder {
	b.kernelReg = l2
	return b
}

// BiasRegularizer sets an L2 regularization strength for the bias.
// Default is 0.
func (b *LinearBuilder) BiasRegularizer(l2 float64) *LinearBuilder {
	b.biasReg = l2
	return b
}

// validateInputs checks every input is a 4D feature map with a set channel
// dimension and consistent batch/spatial dimensions, returning the summed
// channel depth. It panics with a *ShapeError before any variable is
// created.
func validateInputs(inputs []*Node) (totalDepth int) {
	if len(inputs) == 0 {
		panic(ShapeErrorf("Linear requires at least one input tensor"))
	}
	first := inputs[0].Shape()
	for i, input := range inputs {
		if input.Rank() != 4 {
			panic(ShapeErrorf("Linear expects 4D [batch, height, width, channels] inputs, input #%d is %s",
				i, input.Shape()))
		}
		dims := input.Shape().Dimensions
		if dims[3] <= 0 {
			panic(ShapeErrorf("Linear expects a set channel dimension, input #%d is %s", i, input.Shape()))
		}
		if dims[0] != first.Dimensions[0] || dims[1] != first.Dimensions[1] || dims[2] != first.Dimensions[2] {
			panic(ShapeErrorf("Linear inputs must share batch and spatial dimensions: input #%d is %s, input #0 is %s",
				i, input.Shape(), first))
		}
		totalDepth += dims[3]
	}
	return totalDepth
}

// Done builds the convolution, creating (or reusing) its variables, and
// returns the resulting `[batch, height, width, OutDepth]` node.
func (b *LinearBuilder) Done() *Node {
	if b.filterSize[0] <= 0 || b.filterSize[1] <= 0 || b.outDepth <= 0 {
		panic(ConfigurationErrorf("Linear requires FilterSize and OutDepth to be set"))
	}
	totalDepth := validateInputs(b.inputs)

	x := b.inputs[0]
	if len(b.inputs) > 1 {
		x = Concatenate(b.inputs, -1)
	}
	g := x.Graph()
	dtype := x.DType()

	kernelCtx := b.ctx
	if b.kernelInit != nil {
		kernelCtx = kernelCtx.WithInitializer(b.kernelInit)
	}
	kernelVar := kernelCtx.VariableWithShape("weights",
		shapes.Make(dtype, b.filterSize[0], b.filterSize[1], totalDepth, b.outDepth))
	output := Convolve(x, kernelVar.ValueGraph(g)).PadSame().Done()

	var biasVar *context.Variable
	if b.useBias {
		biasCtx := b.ctx
		if b.biasInit != nil {
			biasCtx = biasCtx.WithInitializer(b.biasInit)
		}
		biasVar = biasCtx.VariableWithShape("bias", shapes.Make(dtype, b.outDepth))
		bias := Reshape(biasVar.ValueGraph(g), 1, 1, 1, b.outDepth)
		output = Add(output, bias)
	}

	if b.kernelReg > 0 {
		regularizers.L2(b.kernelReg)(b.ctx, g, kernelVar)
	}
	if b.useBias && b.biasReg > 0 {
		regularizers.L2(b.biasReg)(b.ctx, g, biasVar)
	}
	return output
}

// TransposeLinearBuilder configures the adjoint (fractionally-strided)
// counterpart of Linear, used for upsampling feedback paths. Create it with
// TransposeLinear.
type TransposeLinearBuilder struct {
	ctx         *context.Context
	inputs      []*Node
	filterSize  [2]int
	outDepth    int
	outputShape [2]int
	useBias     bool

	kernelInit, biasInit initializers.VariableInitializer
}

// TransposeLinear prepares a fractionally-strided convolution of the
// channel-wise concatenation of the inputs. The integer stride factors are
// computed from the ratio of the target output spatial shape (see
// OutputShape) to the input spatial shape. Input validation and parameter
// ownership follow Linear; there is no regularization support.
func TransposeLinear(ctx *context.Context, inputs ...*Node) *TransposeLinearBuilder {
	return &TransposeLinearBuilder{
		ctx:     ctx,
		inputs:  inputs,
		useBias: true,
	}
}

// FilterSize sets the kernel height and width. Required.
func (b *TransposeLinearBuilder) FilterSize(height, width int) *TransposeLinearBuilder {
	b.filterSize = [2]int{height, width}
	return b
}

// OutDepth sets the number of output channels. Required.
func (b *TransposeLinearBuilder) OutDepth(depth int) *TransposeLinearBuilder {
	b.outDepth = depth
	return b
}

// OutputShape sets the target output spatial shape. Required. It must
// satisfy `out = (in-1)*stride + filter` for an integer stride, the shape
// produced by a valid-padding fractionally-strided convolution.
func (b *TransposeLinearBuilder) OutputShape(height, width int) *TransposeLinearBuilder {
	b.outputShape = [2]int{height, width}
	return b
}

// UseBias sets whether to add a learned per-channel bias. Default is true.
func (b *TransposeLinearBuilder) UseBias(useBias bool) *TransposeLinearBuilder {
	b.useBias = useBias
	return b
}

// KernelInitializer overrides the context's initializer for the kernel.
func (b *TransposeLinearBuilder) KernelInitializer(init initializers.VariableInitializer) *TransposeLinearBuilder {
	b.kernelInit = init
	return b
}

// BiasInitializer overrides the context's initializer for the bias.
func (b *TransposeLinearBuilder) BiasInitializer(init initializers.VariableInitializer) *TransposeLinearBuilder {
	b.biasInit = init
	return b
}

// Done builds the transposed convolution and returns the resulting
// `[batch, OutputShape..., OutDepth]` node.
//
// The adjoint is computed as a regular convolution over the
// stride-dilated input, padded with filter-1 on each spatial edge, which
// produces exactly `(in-1)*stride + filter` output positions per axis.
func (b *TransposeLinearBuilder) Done() *Node {
	if b.filterSize[0] <= 0 || b.filterSize[1] <= 0 || b.outDepth <= 0 {
		panic(ConfigurationErrorf("TransposeLinear requires FilterSize and OutDepth to be set"))
	}
	if b.outputShape[0] <= 0 || b.outputShape[1] <= 0 {
		panic(ConfigurationErrorf("TransposeLinear requires OutputShape to be set"))
	}
	totalDepth := validateInputs(b.inputs)

	x := b.inputs[0]
	if len(b.inputs) > 1 {
		x = Concatenate(b.inputs, -1)
	}
	g := x.Graph()
	dtype := x.DType()
	inH, inW := x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	strideH := b.outputShape[0] / inH
	strideW := b.outputShape[1] / inW
	if strideH < 1 || strideW < 1 {
		panic(ShapeErrorf("TransposeLinear output shape %v is smaller than the input spatial shape [%d, %d]",
			b.outputShape, inH, inW))
	}

	kernelCtx := b.ctx
	if b.kernelInit != nil {
		kernelCtx = kernelCtx.WithInitializer(b.kernelInit)
	}
	kernelVar := kernelCtx.VariableWithShape("weights",
		shapes.Make(dtype, b.filterSize[0], b.filterSize[1], totalDepth, b.outDepth))
	output := Convolve(x, kernelVar.ValueGraph(g)).
		InputDilationPerAxis(strideH, strideW).
		PaddingPerDim([][2]int{
			{b.filterSize[0] - 1, b.filterSize[0] - 1},
			{b.filterSize[1] - 1, b.filterSize[1] - 1},
		}).
		Done()
	outH, outW := output.Shape().Dimensions[1], output.Shape().Dimensions[2]
	if outH != b.outputShape[0] || outW != b.outputShape[1] {
		panic(ShapeErrorf("TransposeLinear produced spatial shape [%d, %d], but OutputShape %v was requested: "+
			"the target must satisfy out = (in-1)*stride + filter", outH, outW, b.outputShape))
	}

	if b.useBias {
		biasCtx := b.ctx
		if b.biasInit != nil {
			biasCtx = biasCtx.WithInitializer(b.biasInit)
		}
		biasVar := biasCtx.VariableWithShape("bias", shapes.Make(dtype, b.outDepth))
		bias := Reshape(biasVar.ValueGraph(g), 1, 1, 1, b.outDepth)
		output = Add(output, bias)
	}
	return output
}
