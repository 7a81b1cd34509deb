// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package blend

import (
	"bytes"
	"testing"
)

func TestDiv255(t *testing.T) {
	for x := 0; x <= 255*255; x++ {
		if got, want := int(div255(uint16(x))), x/255; got != want {
			t.Fatalf("div255(%d) = %d, want %d", x, got, want)
		}
	}
}

func TestMulDiv255(t *testing.T) {
	tests := []struct {
		a, b, want byte
	}{
		{0, 0, 0},
		{255, 255, 255},
		{0, 255, 0},
		{255, 0, 0},
		{128, 255, 128},
		{255, 128, 128},
		{128, 128, 64},
	}
	for _, tt := range tests {
		if got := mulDiv255(tt.a, tt.b); got != tt.want {
			t.Errorf("mulDiv255(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAddClamp(t *testing.T) {
	if got := addClamp(200, 100); got != 255 {
		t.Errorf("addClamp(200, 100) = %d, want 255", got)
	}
	if got := addClamp(20, 10); got != 30 {
		t.Errorf("addClamp(20, 10) = %d, want 30", got)
	}
}

func TestModes(t *testing.T) {
	// Half-transparent red over opaque blue, premultiplied.
	src := [4]byte{128, 0, 0, 128}
	dst := [4]byte{0, 0, 255, 255}

	tests := []struct {
		mode Mode
		want [4]byte
	}{
		{Clear, [4]byte{0, 0, 0, 0}},
		{Source, src},
		{Destination, dst},
		{SourceOver, [4]byte{128, 0, 127, 255}},
		{DestinationOver, dst},
		{Plus, [4]byte{128, 0, 255, 255}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			r, g, b, a := Get(tt.mode)(src[0], src[1], src[2], src[3], dst[0], dst[1], dst[2], dst[3])
			if got := [4]byte{r, g, b, a}; got != tt.want {
				t.Errorf("%v = %v, want %v", tt.mode, got, tt.want)
			}
		})
	}
}

func TestGetUnknownIsSourceOver(t *testing.T) {
	r, g, b, a := Get(Mode(200))(0, 0, 0, 0, 1, 2, 3, 4)
	if r != 1 || g != 2 || b != 3 || a != 4 {
		t.Errorf("unknown mode with transparent source = %d %d %d %d, want 1 2 3 4", r, g, b, a)
	}
}

func TestRowAlpha(t *testing.T) {
	dst := []byte{0, 0, 0, 0, 10, 10, 10, 255}
	src := []byte{255, 255, 255, 255, 255, 255, 255, 255}
	Row(dst, src, Source, 128)
	want := []byte{128, 128, 128, 128, 128, 128, 128, 128}
	if !bytes.Equal(dst, want) {
		t.Errorf("Row() = %v, want %v", dst, want)
	}
}

func TestPremultiplyAndOpaque(t *testing.T) {
	row := []byte{255, 128, 0, 128, 9, 9, 9, 255}
	Premultiply(row)
	if want := []byte{128, 64, 0, 128, 9, 9, 9, 255}; !bytes.Equal(row, want) {
		t.Errorf("Premultiply() = %v, want %v", row, want)
	}
	Opaque(row)
	if row[3] != 255 || row[7] != 255 {
		t.Errorf("Opaque() alpha = %d, %d, want 255", row[3], row[7])
	}
}
