// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for persisted
// client state (the session manifest). Core Deterministic Encoding
// means the same logical data always produces identical bytes, so
// manifests can be compared and content-addressed.
package codec

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Unknown fields are ignored so old clients read manifests
		// written by newer ones. any-typed targets decode to
		// map[string]any rather than CBOR's map[any]any default;
		// manifest keys are always strings.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode writes v as deterministic CBOR to w.
func Encode(w io.Writer, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: encoding: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("codec: writing: %w", err)
	}
	return nil
}

// Decode reads a single CBOR value from r into v.
func Decode(r io.Reader, v any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("codec: reading: %w", err)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: decoding: %w", err)
	}
	return nil
}
