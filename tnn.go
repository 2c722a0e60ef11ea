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

// Package tnn builds temporal neural network layers out of convolutional
// recurrent cells: each Node wraps a cell (see the convrnn sub-package)
// with a harbor that merges incoming feature maps, a pre-memory pipeline
// and a post-memory pipeline, all sharing one parameter scope named after
// the node.
//
// Nodes are graph-building objects for the GoMLX computation graph:
// parameters live in a context.Context and are created lazily on the first
// Step call, then reused on every later call. Unrolling a node over time
// is just calling Step repeatedly, threading the returned state:
//
//	node, err := tnn.NewGRUNode(tnn.NodeConfig{
//		Name:        "v1",
//		HarborShape: []int{32, 16, 16, 8},
//	}, convrnn.GRUConfig{
//		Shape:      [2]int{16, 16},
//		FilterSize: [2]int{3, 3},
//		OutDepth:   8,
//	})
//	...
//	var state convrnn.State
//	for t := 0; t < steps; t++ {
//		output, state = node.Step(ctx, g, inputsAt(t), state)
//	}
package tnn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"golang.org/x/exp/maps"
)

// Summary returns a human-readable table of the parameters created so far
// in ctx, grouped by scope and sorted, with per-scope and total parameter
// counts. Useful after the first Step call of every node to sanity-check
// what the lazy initialization allocated.
func Summary(ctx *context.Context) string {
	perScope := make(map[string]int)
	ctx.EnumerateVariables(func(v *context.Variable) {
		perScope[v.Scope()] += v.Shape().Size()
	})
	scopes := maps.Keys(perScope)
	sort.Strings(scopes)

	var sb strings.Builder
	total := 0
	for _, scope := range scopes {
		fmt.Fprintf(&sb, "%s\t%s params\n", scope, humanize.Comma(int64(perScope[scope])))
		total += perScope[scope]
	}
	fmt.Fprintf(&sb, "Total\t%s params\n", humanize.Comma(int64(total)))
	return sb.String()
}
