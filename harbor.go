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

// Harbor merges a node's incoming feature maps, which may disagree in
// spatial extent and channel count, into one tensor of the node's declared
// harbor shape. It runs before the pre-memory pipeline.
type Harbor interface {
	// Combine builds the merge of inputs into a tensor shaped targetShape
	// (`[batch, height, width, channels]`; the batch dimension of the
	// inputs wins over targetShape[0]).
	Combine(ctx *context.Context, inputs []*graph.Node, targetShape []int) *graph.Node
}

// HarborFunc adapts a plain function to the Harbor interface.
type HarborFunc func(ctx *context.Context, inputs []*graph.Node, targetShape []int) *graph.Node

// Combine implements Harbor.
func (f HarborFunc) Combine(ctx *context.Context, inputs []*graph.Node, targetShape []int) *graph.Node {
	return f(ctx, inputs, targetShape)
}

// ConcatHarbor is the default merge policy: every input is resized to the
// harbor's spatial extent with bilinear interpolation (inputs already at the
// right extent pass through untouched), then all are concatenated on the
// channel axis. The summed channel depth must equal the harbor shape's
// channel dimension.
//
// It has no learned parameters.
type ConcatHarbor struct{}

// Combine implements Harbor. It panics with a *convrnn.ShapeError on
// non-4D inputs or when the concatenated channel depth disagrees with
// targetShape.
func (ConcatHarbor) Combine(_ *context.Context, inputs []*graph.Node, targetShape []int) *graph.Node {
	if len(inputs) == 0 {
		panic(convrnn.ShapeErrorf("ConcatHarbor requires at least one input tensor"))
	}
	targetH, targetW := targetShape[1], targetShape[2]
	resized := make([]*graph.Node, len(inputs))
	totalDepth := 0
	for i, input := range inputs {
		if input.Rank() != 4 {
			panic(convrnn.ShapeErrorf("ConcatHarbor expects 4D [batch, height, width, channels] inputs, input #%d is %s",
				i, input.Shape()))
		}
		dims := input.Shape().Dimensions
		if dims[1] != targetH || dims[2] != targetW {
			input = graph.Interpolate(input, -1, targetH, targetW, -1).Bilinear().Done()
		}
		resized[i] = input
		totalDepth += dims[3]
	}
	if totalDepth != targetShape[3] {
		panic(convrnn.ShapeErrorf("ConcatHarbor inputs sum to %d channels, but the harbor shape declares %d",
			totalDepth, targetShape[3]))
	}
	if len(resized) == 1 {
		return resized[0]
	}
	return graph.Concatenate(resized, -1)
}
