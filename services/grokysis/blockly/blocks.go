// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blockly compiles visual block programs into diagrams.
//
// A Program is decoded from a Blockly workspace JSON export into a closed
// set of Block types; Generator resolves its identifiers against a
// knowledge base and builds a diagram.HierNode tree with call edges.
package blockly

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/grokysis/services/grokysis/diagram"
)

// ErrUnsupportedBlock aborts decoding or generation on an unknown block.
var ErrUnsupportedBlock = errors.New("unsupported block type")

// ErrInvalidWorkspace indicates workspace JSON that does not decode.
var ErrInvalidWorkspace = errors.New("invalid workspace")

// Block type names as they appear in workspace JSON.
const (
	TypeClusterProcess       = "cluster_process"
	TypeClusterThread        = "cluster_thread"
	TypeClusterClient        = "cluster_client"
	TypeClusterServer        = "cluster_server"
	TypeClusterGroup         = "cluster_group"
	TypeNodeClass            = "node_class"
	TypeNodeInstance         = "node_instance"
	TypeEdgeCall             = "edge_call"
	TypeSettingInstanceGroup = "setting_instance_group"
	TypeSettingDiagram       = "setting_diagram"
)

// Variable types.
const (
	VarIdentifier    = "identifier"
	VarInstanceGroup = "instance-group"
)

// Field and input names.
const (
	fieldName          = "NAME"
	fieldIdentifier    = "IDENTIFIER"
	fieldLabel         = "LABEL"
	fieldInstanceGroup = "INSTANCE_GROUP"
	fieldColor         = "COLOR"
	fieldKey           = "KEY"
	fieldValue         = "VALUE"
	inputChildren      = "CHILDREN"
)

var clusterKinds = map[string]diagram.SemanticKind{
	TypeClusterProcess: diagram.SemanticProcess,
	TypeClusterThread:  diagram.SemanticThread,
	TypeClusterClient:  diagram.SemanticClient,
	TypeClusterServer:  diagram.SemanticServer,
	TypeClusterGroup:   diagram.SemanticUnknown,
}

// Block is one decoded block. The set of implementations is closed.
type Block interface {
	Type() string
	isBlock()
}

// ClusterBlock groups its children under a named node.
type ClusterBlock struct {
	BlockType     string
	Name          string
	InstanceGroup string // variable id, optional
	Children      []Block
}

// ClassBlock places a class node bound to an identifier variable.
type ClassBlock struct {
	Identifier    string // variable id
	Label         string
	InstanceGroup string
	Children      []Block
}

// InstanceBlock places one instance of a class.
type InstanceBlock struct {
	Identifier    string
	Label         string
	InstanceGroup string
	Children      []Block
}

// CallBlock draws a call from the enclosing node to Target.
type CallBlock struct {
	Target        string // variable id
	InstanceGroup string
}

// InstanceGroupSettingBlock styles an instance group.
type InstanceGroupSettingBlock struct {
	Group string // variable id
	Color string
}

// DiagramSettingBlock sets a diagram-wide key/value setting.
type DiagramSettingBlock struct {
	Key   string
	Value string
}

func (b *ClusterBlock) Type() string { return b.BlockType }
func (*ClassBlock) Type() string { return TypeNodeClass }
func (*InstanceBlock) Type() string { return TypeNodeInstance }
func (*CallBlock) Type() string { return TypeEdgeCall }
func (*InstanceGroupSettingBlock) Type() string { return TypeSettingInstanceGroup }
func (*DiagramSettingBlock) Type() string { return TypeSettingDiagram }
func (*ClusterBlock) isBlock() {}
func (*ClassBlock) isBlock() {}
func (*InstanceBlock) isBlock() {}
func (*CallBlock) isBlock() {}
func (*InstanceGroupSettingBlock) isBlock() {}
func (*DiagramSettingBlock) isBlock() {}

// Semantic returns the semantic kind of the cluster.
func (b *ClusterBlock) Semantic() diagram.SemanticKind {
	return clusterKinds[b.BlockType]
}

// Variable is one entry of the workspace variable table.
type Variable struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Program is a decoded workspace.
type Program struct {
	Blocks    []Block
	Variables map[string]Variable
}

type rawInput struct {
	Block *rawBlock `json:"block"`
}

type rawBlock struct {
	Type   string                     `json:"type"`
	ID     string                     `json:"id,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	Inputs map[string]rawInput        `json:"inputs,omitempty"`
	Next   *rawInput                  `json:"next,omitempty"`
}

type rawWorkspace struct {
	Blocks struct {
		Blocks []rawBlock `json:"blocks"`
	} `json:"blocks"`
	Variables []Variable `json:"variables"`
}

// DecodeProgram parses a Blockly workspace JSON export.
//
// Description:
//
//	Top-level blocks and their "next" chains become Program.Blocks.
//	Statement inputs named CHILDREN become Children. Variable fields are
//	{"id": "..."} objects; plain fields are strings.
//
// Outputs:
//
//	*Program - The decoded program.
//	error - Wraps ErrUnsupportedBlock for an unknown block type, or
//	  ErrInvalidWorkspace for malformed input.
func DecodeProgram(data []byte) (*Program, error) {
	var ws rawWorkspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkspace, err)
	}

	prog := &Program{Variables: make(map[string]Variable, len(ws.Variables))}
	for _, v := range ws.Variables {
		prog.Variables[v.ID] = v
	}
	for i := range ws.Blocks.Blocks {
		chain, err := decodeChain(&ws.Blocks.Blocks[i])
		if err != nil {
			return nil, err
		}
		prog.Blocks = append(prog.Blocks, chain...)
	}
	return prog, nil
}

func decodeChain(first *rawBlock) ([]Block, error) {
	var out []Block
	for cur := first; cur != nil; {
		b, err := decodeBlock(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
		if cur.Next == nil {
			break
		}
		cur = cur.Next.Block
	}
	return out, nil
}

func decodeBlock(rb *rawBlock) (Block, error) {
	children := func() ([]Block, error) {
		in, ok := rb.Inputs[inputChildren]
		if !ok || in.Block == nil {
			return nil, nil
		}
		return decodeChain(in.Block)
	}

	switch rb.Type {
	case TypeClusterProcess, TypeClusterThread, TypeClusterClient, TypeClusterServer, TypeClusterGroup:
		kids, err := children()
		if err != nil {
			return nil, err
		}
		return &ClusterBlock{
			BlockType:     rb.Type,
			Name:          rb.field(fieldName),
			InstanceGroup: rb.field(fieldInstanceGroup),
			Children:      kids,
		}, nil
	case TypeNodeClass:
		kids, err := children()
		if err != nil {
			return nil, err
		}
		return &ClassBlock{
			Identifier:    rb.field(fieldIdentifier),
			Label:         rb.field(fieldLabel),
			InstanceGroup: rb.field(fieldInstanceGroup),
			Children:      kids,
		}, nil
	case TypeNodeInstance:
		kids, err := children()
		if err != nil {
			return nil, err
		}
		return &InstanceBlock{
			Identifier:    rb.field(fieldIdentifier),
			Label:         rb.field(fieldLabel),
			InstanceGroup: rb.field(fieldInstanceGroup),
			Children:      kids,
		}, nil
	case TypeEdgeCall:
		return &CallBlock{
			Target:        rb.field(fieldIdentifier),
			InstanceGroup: rb.field(fieldInstanceGroup),
		}, nil
	case TypeSettingInstanceGroup:
		return &InstanceGroupSettingBlock{
			Group: rb.field(fieldInstanceGroup),
			Color: rb.field(fieldColor),
		}, nil
	case TypeSettingDiagram:
		return &DiagramSettingBlock{
			Key:   rb.field(fieldKey),
			Value: rb.field(fieldValue),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q (block %s)", ErrUnsupportedBlock, rb.Type, rb.ID)
	}
}

// field returns a string field, or the id of a variable field.
func (rb *rawBlock) field(name string) string {
	raw, ok := rb.Fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ref); err == nil {
		return ref.ID
	}
	return ""
}
