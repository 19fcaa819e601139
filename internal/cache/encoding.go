// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeStrings encodes a string set as msgpack with sorted map keys for
// deterministic bytes. nil and empty encode identically (empty array), so
// snapshot rows compare stably.
func encodeStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeStrings decodes a msgpack string array column. An empty or NULL
// column decodes as nil.
func decodeStrings(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var values []string
	if err := msgpack.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}
