// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package leb128 reads and writes signed integers in Little Endian Base
// 128 format, the encoding the reverse-map uses to delta-pack each
// translation block's (guest-pc words…, host-end-offset) rows.
package leb128

import "io"

// WriteVarint64 appends the signed LEB128 encoding of v to buf and
// returns the extended slice.
func WriteVarint64(buf []byte, v int64) []byte {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

// ReadVarint64 reads a signed LEB128 integer from r, mirroring
// wasm/leb128.ReadVarint64's shift-and-sign-extend loop.
func ReadVarint64(r io.Reader) (int64, error) {
	var (
		b     = make([]byte, 1)
		shift uint
		sign  int64 = -1
		res   int64
		err   error
	)
	for {
		if _, err = io.ReadFull(r, b); err != nil {
			return res, err
		}
		cur := int64(b[0])
		res |= (cur & 0x7f) << shift
		shift += 7
		sign <<= 7
		if cur&0x80 == 0 {
			break
		}
	}
	if ((sign >> 1) & res) != 0 {
		res |= sign
	}
	return res, nil
}
