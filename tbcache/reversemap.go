// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import (
	"bytes"
	"io"

	"github.com/qemu/tbcache/internal/leb128"
)

// reverseMapRow is one entry of a TranslationBlock's reverse-map: the
// guest PC of the instruction whose host code ends at HostEndOffset (a
// byte offset relative to the TB's HostCodePtr).
type reverseMapRow struct {
	GuestPC       uint64
	HostEndOffset uint32
}

// encodeReverseMap packs rows as a stream of signed-LEB128 deltas, one
// column per field, each delta taken from the previous row. The seed
// row is (0, 0), so the first row is written as its absolute values; the
// stream is not seeded with the TB's own guest PC. Callers pass the
// genuine first row as rows[0] with HostEndOffset already absolute.
func encodeReverseMap(rows []reverseMapRow) []byte {
	if len(rows) == 0 {
		return nil
	}
	var buf []byte
	prevPC, prevOff := int64(0), int64(0)
	for i, row := range rows {
		pc, off := int64(row.GuestPC), int64(row.HostEndOffset)
		if i == 0 {
			// Seed row: the first delta for guest_pc is taken against
			// 0, not against itself.
			buf = leb128.WriteVarint64(buf, pc)
			buf = leb128.WriteVarint64(buf, off)
		} else {
			buf = leb128.WriteVarint64(buf, pc-prevPC)
			buf = leb128.WriteVarint64(buf, off-prevOff)
		}
		prevPC, prevOff = pc, off
	}
	return buf
}

// decodeReverseMapRows fully decodes the packed delta stream into rows,
// undoing encodeReverseMap.
func decodeReverseMapRows(data []byte) ([]reverseMapRow, error) {
	r := bytes.NewReader(data)
	var (
		rows     []reverseMapRow
		pc, off  int64
		haveSeed bool
	)
	for {
		dpc, err := leb128.ReadVarint64(r)
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		doff, err := leb128.ReadVarint64(r)
		if err != nil {
			return nil, err
		}
		if !haveSeed {
			pc, off = dpc, doff
			haveSeed = true
		} else {
			pc += dpc
			off += doff
		}
		rows = append(rows, reverseMapRow{GuestPC: uint64(pc), HostEndOffset: uint32(off)})
	}
}

// decodeReverseMapAt re-decodes the packed deltas, stopping at the first
// row whose HostEndOffset (relative to the TB start) exceeds
// targetOffset, and returns the *preceding* row: the last instruction
// whose host code ends at or before targetOffset. rowsRemaining is the count of
// rows not yet consumed, for reset_icount adjustment.
func decodeReverseMapAt(data []byte, targetOffset uint32) (row reverseMapRow, rowsRemaining int, ok bool) {
	rows, err := decodeReverseMapRows(data)
	if err != nil || len(rows) == 0 {
		return reverseMapRow{}, 0, false
	}
	for i, r := range rows {
		if r.HostEndOffset > targetOffset {
			if i == 0 {
				return reverseMapRow{}, 0, false
			}
			return rows[i-1], len(rows) - i, true
		}
	}
	return rows[len(rows)-1], 0, true
}
