// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package lucregistry

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// The LUC file holds a single map from int32 group key to ordered unit
// names: a uint32 group count, then for each group (visited in
// ascending key order for determinism) an int32 key, a uint32 unit
// count, and for each unit a uint32 byte length followed by the raw
// bytes. No trailing metadata, no header.

func encodeLUC(w io.Writer, groups map[int32][]string) error {
	keys := sortedKeys(groups)

	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.BigEndian, uint32(len(keys))); err != nil {
		return fmt.Errorf("write group count: %w", err)
	}

	for _, key := range keys {
		units := groups[key]

		if err := binary.Write(bw, binary.BigEndian, key); err != nil {
			return fmt.Errorf("write key %d: %w", key, err)
		}

		if err := binary.Write(bw, binary.BigEndian, uint32(len(units))); err != nil {
			return fmt.Errorf("write unit count for key %d: %w", key, err)
		}

		for _, unit := range units {
			if err := binary.Write(bw, binary.BigEndian, uint32(len(unit))); err != nil {
				return fmt.Errorf("write unit length for key %d: %w", key, err)
			}

			if _, err := bw.WriteString(unit); err != nil {
				return fmt.Errorf("write unit bytes for key %d: %w", key, err)
			}
		}
	}

	return bw.Flush()
}

func decodeLUC(r io.Reader) (map[int32][]string, error) {
	br := bufio.NewReader(r)

	var groupCount uint32

	if err := binary.Read(br, binary.BigEndian, &groupCount); err != nil {
		return nil, fmt.Errorf("read group count: %w", err)
	}

	groups := make(map[int32][]string, groupCount)

	for i := uint32(0); i < groupCount; i++ {
		var key int32

		if err := binary.Read(br, binary.BigEndian, &key); err != nil {
			return nil, fmt.Errorf("read key %d: %w", i, err)
		}

		var unitCount uint32

		if err := binary.Read(br, binary.BigEndian, &unitCount); err != nil {
			return nil, fmt.Errorf("read unit count for key %d: %w", key, err)
		}

		units := make([]string, 0, unitCount)

		for j := uint32(0); j < unitCount; j++ {
			var length uint32

			if err := binary.Read(br, binary.BigEndian, &length); err != nil {
				return nil, fmt.Errorf("read unit length for key %d: %w", key, err)
			}

			buf := make([]byte, length)

			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, fmt.Errorf("read unit bytes for key %d: %w", key, err)
			}

			units = append(units, string(buf))
		}

		groups[key] = units
	}

	return groups, nil
}

func sortedKeys(groups map[int32][]string) []int32 {
	keys := make([]int32, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}
