// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeReverseMapRoundTrip(t *testing.T) {
	rows := []reverseMapRow{
		{GuestPC: 0x1000, HostEndOffset: 4},
		{GuestPC: 0x1003, HostEndOffset: 11},
		{GuestPC: 0x1003, HostEndOffset: 19}, // repeated guest pc (loop back-edge)
		{GuestPC: 0x0ff0, HostEndOffset: 27}, // negative delta
	}
	packed := encodeReverseMap(rows)
	got, err := decodeReverseMapRows(packed)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, rows) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, rows)
	}
}

func TestEncodeReverseMapEmpty(t *testing.T) {
	if packed := encodeReverseMap(nil); packed != nil {
		t.Fatalf("want nil for empty rows, got %v", packed)
	}
	got, err := decodeReverseMapRows(nil)
	if err != nil || got != nil {
		t.Fatalf("want nil, nil; got %v, %v", got, err)
	}
}

func TestDecodeReverseMapAt(t *testing.T) {
	rows := []reverseMapRow{
		{GuestPC: 0x100, HostEndOffset: 4},
		{GuestPC: 0x104, HostEndOffset: 10},
		{GuestPC: 0x108, HostEndOffset: 16},
	}
	packed := encodeReverseMap(rows)

	tests := []struct {
		target        uint32
		wantRow       reverseMapRow
		wantRemaining int
		wantOK        bool
	}{
		{target: 0, wantOK: false},                                     // before the first row ends: no preceding row
		{target: 4, wantRow: rows[0], wantRemaining: 2, wantOK: true},  // exactly the first row's end
		{target: 7, wantRow: rows[0], wantRemaining: 2, wantOK: true},  // mid-second-instruction
		{target: 13, wantRow: rows[1], wantRemaining: 1, wantOK: true},
		{target: 16, wantRow: rows[2], wantRemaining: 0, wantOK: true}, // exactly the last row's end
		{target: 999, wantRow: rows[2], wantRemaining: 0, wantOK: true}, // past the end: last row
	}
	for _, tt := range tests {
		row, remaining, ok := decodeReverseMapAt(packed, tt.target)
		if ok != tt.wantOK {
			t.Errorf("target=%d: ok = %v, want %v", tt.target, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if row != tt.wantRow || remaining != tt.wantRemaining {
			t.Errorf("target=%d: got (%+v, %d), want (%+v, %d)", tt.target, row, remaining, tt.wantRow, tt.wantRemaining)
		}
	}
}
