// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

package ply

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Format constants. These are wire-protocol values shared with the
// reconstruction service.
const (
	// SHCoefficients is the number of spherical harmonics values per
	// vertex: 3 DC terms plus 45 higher-order terms.
	SHCoefficients = 48

	// floatsPerRecord is the total float32 count per vertex record:
	// 3 position + 3 scale + 4 rotation + 1 opacity + 48 SH.
	floatsPerRecord = 11 + SHCoefficients

	// RecordSize is the byte size of one vertex record.
	RecordSize = floatsPerRecord * 4

	// headerTerminator ends the ASCII header. The data region starts
	// at the byte immediately after its trailing newline.
	headerTerminator = "end_header"
)

// Vertex is one point of a gaussian point cloud. SH holds the
// spherical harmonics coefficients; Encode zero-fills vertices that
// carry fewer than SHCoefficients values.
type Vertex struct {
	Position [3]float32
	Scale    [3]float32
	Rotation [4]float32
	Opacity  float32
	SH       []float32
}

// PointCloudBuffer is an ordered, contiguous sequence of vertices.
// Order determines write-back order on encode.
type PointCloudBuffer struct {
	vertices []Vertex
}

// NewBuffer returns a buffer holding the given vertices. The slice is
// taken over by the buffer.
func NewBuffer(vertices []Vertex) *PointCloudBuffer {
	return &PointCloudBuffer{vertices: vertices}
}

// Len returns the number of vertices in the buffer.
func (b *PointCloudBuffer) Len() int { return len(b.vertices) }

// Vertices returns the underlying vertex slice. Callers must not
// reorder it; sequence order is semantically meaningful.
func (b *PointCloudBuffer) Vertices() []Vertex { return b.vertices }

// Append adds the vertices of other to the end of b, preserving both
// sequences' internal order.
func (b *PointCloudBuffer) Append(other *PointCloudBuffer) {
	b.vertices = append(b.vertices, other.vertices...)
}

// FormatError reports a malformed payload header. It is fatal to the
// single decode that produced it, never to the process.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("ply: malformed header: %s", e.Reason)
}

// Decode parses a binary point-cloud payload. It locates the header
// terminator, recovers the declared vertex count, and reads fixed-size
// records from the data region.
//
// A data region shorter than count*RecordSize is not an error: records
// are read until the bytes run out and the complete records parsed so
// far are returned. Decode fails only when the header terminator or
// the vertex-count declaration is missing.
func Decode(payload []byte) (*PointCloudBuffer, error) {
	count, dataOffset, err := parseHeader(payload)
	if err != nil {
		return nil, err
	}

	// The declared count is untrusted. Bound it by the complete
	// records actually present so a hostile header can neither force a
	// huge allocation nor index past the data region.
	data := payload[dataOffset:]
	if available := len(data) / RecordSize; count > available {
		count = available
	}
	vertices := make([]Vertex, 0, count)
	for i := 0; i < count; i++ {
		vertices = append(vertices, decodeRecord(data[i*RecordSize:]))
	}
	return &PointCloudBuffer{vertices: vertices}, nil
}

// parseHeader scans the ASCII header for the vertex count and returns
// it together with the byte offset of the data region.
func parseHeader(payload []byte) (count, dataOffset int, err error) {
	terminator := []byte(headerTerminator + "\n")
	end := bytes.Index(payload, terminator)
	if end < 0 {
		return 0, 0, &FormatError{Reason: "missing end_header terminator"}
	}
	dataOffset = end + len(terminator)

	count = -1
	for _, line := range strings.Split(string(payload[:end]), "\n") {
		line = strings.TrimSuffix(line, "\r")
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == "element" && fields[1] == "vertex" {
			n, convErr := strconv.Atoi(fields[2])
			if convErr != nil || n < 0 {
				return 0, 0, &FormatError{Reason: fmt.Sprintf("invalid vertex count %q", fields[2])}
			}
			count = n
		}
	}
	if count < 0 {
		return 0, 0, &FormatError{Reason: "no element vertex declaration"}
	}
	return count, dataOffset, nil
}

func decodeRecord(record []byte) Vertex {
	floats := make([]float32, floatsPerRecord)
	for i := range floats {
		bits := binary.LittleEndian.Uint32(record[i*4:])
		floats[i] = math.Float32frombits(bits)
	}

	var v Vertex
	copy(v.Position[:], floats[0:3])
	copy(v.Scale[:], floats[3:6])
	copy(v.Rotation[:], floats[6:10])
	v.Opacity = floats[10]
	v.SH = floats[11:]
	return v
}

// propertyNames lists the per-record float properties in wire order.
func propertyNames() []string {
	names := make([]string, 0, floatsPerRecord)
	names = append(names, "x", "y", "z")
	for i := 0; i < 3; i++ {
		names = append(names, fmt.Sprintf("scale_%d", i))
	}
	for i := 0; i < 4; i++ {
		names = append(names, fmt.Sprintf("rot_%d", i))
	}
	names = append(names, "opacity")
	for i := 0; i < 3; i++ {
		names = append(names, fmt.Sprintf("f_dc_%d", i))
	}
	for i := 0; i < SHCoefficients-3; i++ {
		names = append(names, fmt.Sprintf("f_rest_%d", i))
	}
	return names
}

// Encode serializes the buffer into the binary point-cloud format.
// Vertices with fewer than SHCoefficients SH values are zero-filled;
// extra values beyond SHCoefficients are dropped.
func Encode(buffer *PointCloudBuffer) []byte {
	var out bytes.Buffer
	out.WriteString("ply\n")
	out.WriteString("format binary_little_endian 1.0\n")
	fmt.Fprintf(&out, "element vertex %d\n", buffer.Len())
	for _, name := range propertyNames() {
		fmt.Fprintf(&out, "property float %s\n", name)
	}
	out.WriteString(headerTerminator + "\n")

	record := make([]byte, RecordSize)
	for _, v := range buffer.vertices {
		encodeRecord(record, v)
		out.Write(record)
	}
	return out.Bytes()
}

func encodeRecord(record []byte, v Vertex) {
	floats := make([]float32, 0, floatsPerRecord)
	floats = append(floats, v.Position[:]...)
	floats = append(floats, v.Scale[:]...)
	floats = append(floats, v.Rotation[:]...)
	floats = append(floats, v.Opacity)
	sh := v.SH
	if len(sh) > SHCoefficients {
		sh = sh[:SHCoefficients]
	}
	floats = append(floats, sh...)
	for len(floats) < floatsPerRecord {
		floats = append(floats, 0)
	}

	for i, f := range floats {
		binary.LittleEndian.PutUint32(record[i*4:], math.Float32bits(f))
	}
}
