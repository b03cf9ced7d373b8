// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

// Package onnxwire encodes the subset of the ONNX protobuf messages (onnx.proto3) needed to write
// an inference graph: a ModelProto with one GraphProto, its nodes, initializers and typed inputs
// and outputs.
//
// Only encoding is provided. Field numbers follow onnx.proto3.
package onnxwire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DataType is the ONNX TensorProto.DataType enum.
type DataType int32

// Data types used by the writer.
const (
	Float DataType = 1
	Uint8 DataType = 2
	Int32 DataType = 6
	Int64 DataType = 7
)

// AttributeType is the ONNX AttributeProto.AttributeType enum.
type AttributeType int32

const (
	AttrFloat  AttributeType = 1
	AttrInt    AttributeType = 2
	AttrString AttributeType = 3
	AttrTensor AttributeType = 4
	AttrInts   AttributeType = 7
)

// Tensor is a TensorProto holding either float or int64 data.
type Tensor struct {
	Name     string
	DataType DataType
	Dims     []int64
	Floats   []float32
	Int64s   []int64
}

// Attribute is an AttributeProto. Only the field matching Type is encoded.
type Attribute struct {
	Name   string
	Type   AttributeType
	Float  float32
	Int    int64
	String string
	Tensor *Tensor
	Ints   []int64
}

// Node is a NodeProto of the default (ai.onnx) domain.
type Node struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
}

// Dim is one axis of a ValueInfo: a fixed size if Param is empty, otherwise a symbolic name.
type Dim struct {
	Value int64
	Param string
}

// ValueInfo is a typed graph input or output.
type ValueInfo struct {
	Name     string
	DataType DataType
	Dims     []Dim
}

// Graph is a GraphProto.
type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []Tensor
	Inputs       []ValueInfo
	Outputs      []ValueInfo
}

// Model is a ModelProto importing a single opset of the default domain.
type Model struct {
	IRVersion       int64
	OpsetVersion    int64
	ProducerName    string
	ProducerVersion string
	DocString       string
	Graph           Graph
}

// Marshal encodes the model in the protobuf wire format.
func (m *Model) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IRVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 6, m.DocString)
	b = appendMessageField(b, 7, m.Graph.appendTo(nil))
	var opset []byte
	opset = appendVarintField(opset, 2, uint64(m.OpsetVersion))
	b = appendMessageField(b, 8, opset)
	return b
}

func (g *Graph) appendTo(b []byte) []byte {
	for ii := range g.Nodes {
		b = appendMessageField(b, 1, g.Nodes[ii].appendTo(nil))
	}
	b = appendStringField(b, 2, g.Name)
	for ii := range g.Initializers {
		b = appendMessageField(b, 5, g.Initializers[ii].appendTo(nil))
	}
	for ii := range g.Inputs {
		b = appendMessageField(b, 11, g.Inputs[ii].appendTo(nil))
	}
	for ii := range g.Outputs {
		b = appendMessageField(b, 12, g.Outputs[ii].appendTo(nil))
	}
	return b
}

func (n *Node) appendTo(b []byte) []byte {
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for ii := range n.Attributes {
		b = appendMessageField(b, 5, n.Attributes[ii].appendTo(nil))
	}
	return b
}

func (a *Attribute) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.Float))
	case AttrInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.Int))
	case AttrString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, a.String)
	case AttrTensor:
		b = appendMessageField(b, 5, a.Tensor.appendTo(nil))
	case AttrInts:
		b = appendPackedVarints(b, 8, a.Ints)
	}
	b = appendVarintField(b, 20, uint64(a.Type))
	return b
}

func (t *Tensor) appendTo(b []byte) []byte {
	b = appendPackedVarints(b, 1, t.Dims)
	b = appendVarintField(b, 2, uint64(t.DataType))
	if len(t.Floats) > 0 {
		packed := make([]byte, 0, 4*len(t.Floats))
		for _, v := range t.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = appendMessageField(b, 4, packed)
	}
	b = appendPackedVarints(b, 7, t.Int64s)
	b = appendStringField(b, 8, t.Name)
	return b
}

func (v *ValueInfo) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, v.Name)
	var shape []byte
	for _, d := range v.Dims {
		var dim []byte
		if d.Param != "" {
			dim = appendStringField(dim, 2, d.Param)
		} else {
			dim = protowire.AppendTag(dim, 1, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d.Value))
		}
		shape = appendMessageField(shape, 1, dim)
	}
	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, uint64(v.DataType))
	tensorType = protowire.AppendTag(tensorType, 2, protowire.BytesType)
	tensorType = protowire.AppendBytes(tensorType, shape)
	var typeProto []byte
	typeProto = appendMessageField(typeProto, 1, tensorType)
	return appendMessageField(b, 2, typeProto)
}

// appendVarintField skips zero values, as proto3 does.
func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedVarints(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessageField(b, num, packed)
}
