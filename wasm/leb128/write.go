// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leb128

import (
	"io"
)

// WriteVarUint32 writes v to w in LEB128 unsigned format, returning the
// number of bytes written and the error (if any).
func WriteVarUint32(w io.Writer, v uint32) (int, error) {
	var buf []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			break
		}
	}
	return w.Write(buf)
}

// WriteVarint64 writes v to w in LEB128 signed format, returning the
// number of bytes written and the error (if any).
func WriteVarint64(w io.Writer, v int64) (int, error) {
	var buf []byte
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
	return w.Write(buf)
}
