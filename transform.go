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

package tnn

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"

	"github.com/gomlx/tnn/convrnn"
)

// Transform is one stage of a node's pre- or post-memory pipeline: a
// graph-building function from one feature map to another. Stages run in
// order, each under its own sub-scope, so stages with learned parameters
// never collide.
type Transform interface {
	// Apply builds the transform over x. Parameters, if any, are created
	// under ctx's current scope on the first call and reused afterwards.
	Apply(ctx *context.Context, x *graph.Node) *graph.Node
}

// TransformWithInputs is a Transform that additionally wants the node's raw
// input list, before the harbor combined them. Pipeline stages implementing
// it are dispatched through ApplyWithInputs instead of Apply.
//
// This replaces selecting special stages by name: a stage that needs the
// raw inputs declares so through its type.
type TransformWithInputs interface {
	Transform

	// ApplyWithInputs builds the transform over x with access to the raw,
	// pre-harbor inputs of the node.
	ApplyWithInputs(ctx *context.Context, x *graph.Node, inputs []*graph.Node) *graph.Node
}

// TransformFunc adapts a plain function to the Transform interface.
type TransformFunc func(ctx *context.Context, x *graph.Node) *graph.Node

// Apply implements Transform.
func (f TransformFunc) Apply(ctx *context.Context, x *graph.Node) *graph.Node {
	return f(ctx, x)
}

// ConvTransform is a learned convolutional pipeline stage: one affine
// transform with "same" padding, stride 1 and a per-channel bias, with
// optional L2 weight decay on the kernel.
type ConvTransform struct {
	// FilterSize is the kernel (height, width). Required.
	FilterSize [2]int

	// OutDepth is the number of output channels. Required.
	OutDepth int

	// WeightDecay, if > 0, adds the scaled L2 norm of the kernel to the
	// losses collected by train.GetLosses.
	WeightDecay float64
}

// Apply implements Transform.
func (t ConvTransform) Apply(ctx *context.Context, x *graph.Node) *graph.Node {
	return convrnn.Linear(ctx, x).
		FilterSize(t.FilterSize[0], t.FilterSize[1]).
		OutDepth(t.OutDepth).
		KernelRegularizer(t.WeightDecay).
		Done()
}
