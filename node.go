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
	"fmt"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tnn/convrnn"
)

// NotReadyError is returned by a Node's size accessors before the first
// Step call established the shapes. There is no partially-known metadata:
// before the first Step the accessors fail, after it they always succeed.
type NotReadyError struct {
	Message string
}

// Error implements the error interface.
func (e *NotReadyError) Error() string { return e.Message }

func notReadyf(format string, args ...any) error {
	return errors.WithStack(&NotReadyError{Message: fmt.Sprintf(format, args...)})
}

// InputInit synthesizes a node's input when Step is called with no inputs
// at all, e.g. on the first time-step of a network whose feedback edges
// have not produced anything yet. The default fills with zeros.
type InputInit func(g *graph.Graph, shape shapes.Shape) *graph.Node

// ZeroInput is the default InputInit: an all-zeros tensor.
func ZeroInput(g *graph.Graph, shape shapes.Shape) *graph.Node {
	return graph.Zeros(g, shape)
}

// NodeConfig carries the construction options of a Node. Name and
// HarborShape are required; everything else has a usable default.
type NodeConfig struct {
	// Name is the node's scope name: all of its parameters live under a
	// scope of this name, so names must be unique among sibling nodes.
	Name string

	// HarborShape is the full `[batch, height, width, channels]` shape the
	// harbor produces. The batch dimension is only used when Step must
	// synthesize an input from scratch; otherwise the inputs' batch
	// dimension wins.
	HarborShape []int

	// Harbor merges the incoming feature maps. Defaults to ConcatHarbor.
	Harbor Harbor

	// PreMemory runs between the harbor and the memory cell, each stage
	// under its own sub-scope ("pre_0", "pre_1", ...).
	PreMemory []Transform

	// PostMemory runs after the memory cell, each stage under its own
	// sub-scope ("post_0", "post_1", ...).
	PostMemory []Transform

	// InputInit synthesizes the input when Step receives none. Defaults to
	// ZeroInput.
	InputInit InputInit

	// DType is the node's dtype: synthesized inputs use it and the final
	// output is cast to it. Defaults to Float32.
	DType dtypes.DType
}

// Node wraps a recurrent cell with the plumbing a network layer needs: a
// harbor that merges incoming feature maps, a pre-memory pipeline, the cell
// itself, and a post-memory pipeline. It owns a scope named after it, under
// which all parameters of the harbor, pipelines and cell are created on the
// first Step call and reused on every later one.
//
// A Node is not safe for concurrent Step calls.
type Node struct {
	name        string
	harborShape []int
	harbor      Harbor
	preMemory   []Transform
	postMemory  []Transform
	inputInit   InputInit
	dtype       dtypes.DType
	cell        convrnn.Cell

	initialized bool
	outputSize  convrnn.Size
	stateSize   convrnn.Size
}

// NewNode builds a Node around the given cell. It returns a
// *convrnn.ConfigurationError if Name or HarborShape are missing or
// malformed.
func NewNode(cfg NodeConfig, cell convrnn.Cell) (*Node, error) {
	if cfg.Name == "" {
		return nil, convrnn.ConfigurationErrorf("Node requires a non-empty Name")
	}
	if len(cfg.HarborShape) != 4 {
		return nil, convrnn.ConfigurationErrorf("Node %q requires a 4D [batch, height, width, channels] HarborShape, got %v",
			cfg.Name, cfg.HarborShape)
	}
	for _, dim := range cfg.HarborShape {
		if dim <= 0 {
			return nil, convrnn.ConfigurationErrorf("Node %q requires positive HarborShape dimensions, got %v",
				cfg.Name, cfg.HarborShape)
		}
	}
	if cell == nil {
		return nil, convrnn.ConfigurationErrorf("Node %q requires a cell", cfg.Name)
	}
	n := &Node{
		name:        cfg.Name,
		harborShape: append([]int(nil), cfg.HarborShape...),
		harbor:      cfg.Harbor,
		preMemory:   cfg.PreMemory,
		postMemory:  cfg.PostMemory,
		inputInit:   cfg.InputInit,
		dtype:       cfg.DType,
		cell:        cell,
	}
	if n.harbor == nil {
		n.harbor = ConcatHarbor{}
	}
	if n.inputInit == nil {
		n.inputInit = ZeroInput
	}
	if n.dtype == dtypes.InvalidDType {
		n.dtype = dtypes.Float32
	}
	return n, nil
}

// NewBasicNode builds a Node around a Basic cell.
func NewBasicNode(cfg NodeConfig, cellCfg convrnn.BasicConfig) (*Node, error) {
	cell, err := convrnn.NewBasic(cellCfg)
	if err != nil {
		return nil, err
	}
	return NewNode(cfg, cell)
}

// NewNormBasicNode builds a Node around a NormBasic cell.
func NewNormBasicNode(cfg NodeConfig, cellCfg convrnn.NormBasicConfig) (*Node, error) {
	cell, err := convrnn.NewNormBasic(cellCfg)
	if err != nil {
		return nil, err
	}
	return NewNode(cfg, cell)
}

// NewGRUNode builds a Node around a GRU cell.
func NewGRUNode(cfg NodeConfig, cellCfg convrnn.GRUConfig) (*Node, error) {
	cell, err := convrnn.NewGRU(cellCfg)
	if err != nil {
		return nil, err
	}
	return NewNode(cfg, cell)
}

// NewLSTMNode builds a Node around an LSTM cell.
func NewLSTMNode(cfg NodeConfig, cellCfg convrnn.LSTMConfig) (*Node, error) {
	cell, err := convrnn.NewLSTM(cellCfg)
	if err != nil {
		return nil, err
	}
	return NewNode(cfg, cell)
}

// NewUGRNNNode builds a Node around a UGRNN cell.
func NewUGRNNNode(cfg NodeConfig, cellCfg convrnn.UGRNNConfig) (*Node, error) {
	cell, err := convrnn.NewUGRNN(cellCfg)
	if err != nil {
		return nil, err
	}
	return NewNode(cfg, cell)
}

// NewIntersectionRNNNode builds a Node around an IntersectionRNN cell.
func NewIntersectionRNNNode(cfg NodeConfig, cellCfg convrnn.IntersectionRNNConfig) (*Node, error) {
	cell, err := convrnn.NewIntersectionRNN(cellCfg)
	if err != nil {
		return nil, err
	}
	return NewNode(cfg, cell)
}

// Name returns the node's scope name.
func (n *Node) Name() string { return n.name }

// HarborShape returns the declared `[batch, height, width, channels]`
// harbor shape.
func (n *Node) HarborShape() []int { return append([]int(nil), n.harborShape...) }

// Step builds one time-step of the node:
//
//  1. If inputs is empty, one input is synthesized from the harbor shape
//     with the node's InputInit.
//  2. The harbor merges the inputs into one tensor of the harbor shape.
//  3. The pre-memory pipeline runs, each stage under a "pre_%d" sub-scope;
//     stages implementing TransformWithInputs also receive the raw inputs.
//  4. An empty state is replaced with the cell's zero state for the actual
//     batch size.
//  5. The cell steps once.
//  6. The post-memory pipeline runs, each stage under a "post_%d"
//     sub-scope.
//  7. The output is cast to the node's dtype.
//
// Everything runs under ctx.In(node name); after the first call the node
// marks itself initialized and later calls reuse the scope's variables, so
// repeated Step calls on the same context never reallocate parameters.
//
// Step panics with a *convrnn.ShapeError on malformed inputs, following
// the graph package convention.
func (n *Node) Step(ctx *context.Context, g *graph.Graph, inputs []*graph.Node, state convrnn.State) (output *graph.Node, newState convrnn.State) {
	nodeCtx := ctx.In(n.name)
	if n.initialized {
		nodeCtx = nodeCtx.Reuse()
	}

	if len(inputs) == 0 {
		synthesized := n.inputInit(g, shapes.Make(n.dtype, n.harborShape...))
		inputs = []*graph.Node{synthesized}
	}
	x := n.harbor.Combine(nodeCtx, inputs, n.harborShape)

	for i, transform := range n.preMemory {
		stageCtx := nodeCtx.In(fmt.Sprintf("pre_%d", i))
		if withInputs, ok := transform.(TransformWithInputs); ok {
			x = withInputs.ApplyWithInputs(stageCtx, x, inputs)
		} else {
			x = transform.Apply(stageCtx, x)
		}
	}

	if state.IsEmpty() {
		batchSize := x.Shape().Dimensions[0]
		state = n.cell.ZeroState(g, n.dtype, batchSize)
	}
	output, newState = n.cell.Step(nodeCtx, x, state)

	for i, transform := range n.postMemory {
		stageCtx := nodeCtx.In(fmt.Sprintf("post_%d", i))
		if withInputs, ok := transform.(TransformWithInputs); ok {
			output = withInputs.ApplyWithInputs(stageCtx, output, inputs)
		} else {
			output = transform.Apply(stageCtx, output)
		}
	}
	if output.DType() != n.dtype {
		output = graph.ConvertDType(output, n.dtype)
	}

	n.outputSize = convrnn.SingleSize(output.Shape().Dimensions[1:]...)
	n.stateSize = newState.Size()
	if !n.initialized {
		n.initialized = true
		klog.V(2).Infof("tnn: node %q initialized: output size %s, state size %s",
			n.name, n.outputSize, n.stateSize)
	}
	return output, newState
}

// Initialized reports whether the node has run Step at least once, i.e.
// whether its parameters exist and its size accessors work.
func (n *Node) Initialized() bool { return n.initialized }

// OutputSize returns the per-example output dimensions, without the
// leading batch axis. Before the first Step call it returns a
// *NotReadyError.
func (n *Node) OutputSize() (convrnn.Size, error) {
	if !n.initialized {
		return convrnn.Size{}, notReadyf("node %q: OutputSize is unknown before the first Step call", n.name)
	}
	return n.outputSize, nil
}

// StateSize returns the per-example state dimensions, without the leading
// batch axis. Before the first Step call it returns a *NotReadyError.
func (n *Node) StateSize() (convrnn.Size, error) {
	if !n.initialized {
		return convrnn.Size{}, notReadyf("node %q: StateSize is unknown before the first Step call", n.name)
	}
	return n.stateSize, nil
}
