// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package blend implements the Porter-Duff operators used to compose guest
// layers.
//
// All operations work on premultiplied RGBA8 pixels, four bytes per pixel,
// the layout of image.RGBA.
//
// References:
//   - Porter-Duff: "Compositing Digital Images" (1984)
//   - Android hardware composer blending: NONE, PREMULTIPLIED, COVERAGE
package blend

// Mode is a Porter-Duff compositing operator.
type Mode uint8

const (
	Clear           Mode = iota // Result: 0
	Source                      // Result: S
	Destination                 // Result: D
	SourceOver                  // Result: S + D*(1-Sa)
	DestinationOver             // Result: S*(1-Da) + D
	Plus                        // Result: S + D, clamped
)

func (m Mode) String() string {
	switch m {
	case Clear:
		return "clear"
	case Source:
		return "source"
	case Destination:
		return "destination"
	case SourceOver:
		return "source-over"
	case DestinationOver:
		return "destination-over"
	case Plus:
		return "plus"
	default:
		return "unknown"
	}
}

// Func blends one premultiplied source pixel onto one destination pixel.
type Func func(sr, sg, sb, sa, dr, dg, db, da byte) (r, g, b, a byte)

// Get returns the function for mode. Unknown modes use SourceOver.
func Get(mode Mode) Func {
	switch mode {
	case Clear:
		return blendClear
	case Source:
		return blendSource
	case Destination:
		return blendDestination
	case DestinationOver:
		return blendDestinationOver
	case Plus:
		return blendPlus
	default:
		return blendSourceOver
	}
}

func blendClear(_, _, _, _, _, _, _, _ byte) (byte, byte, byte, byte) {
	return 0, 0, 0, 0
}

func blendSource(sr, sg, sb, sa, _, _, _, _ byte) (byte, byte, byte, byte) {
	return sr, sg, sb, sa
}

func blendDestination(_, _, _, _, dr, dg, db, da byte) (byte, byte, byte, byte) {
	return dr, dg, db, da
}

// Formula: S + D * (1 - Sa)
func blendSourceOver(sr, sg, sb, sa, dr, dg, db, da byte) (byte, byte, byte, byte) {
	invSa := 255 - sa
	return addClamp(sr, mulDiv255(dr, invSa)),
		addClamp(sg, mulDiv255(dg, invSa)),
		addClamp(sb, mulDiv255(db, invSa)),
		addClamp(sa, mulDiv255(da, invSa))
}

// Formula: S * (1 - Da) + D
func blendDestinationOver(sr, sg, sb, sa, dr, dg, db, da byte) (byte, byte, byte, byte) {
	invDa := 255 - da
	return addClamp(mulDiv255(sr, invDa), dr),
		addClamp(mulDiv255(sg, invDa), dg),
		addClamp(mulDiv255(sb, invDa), db),
		addClamp(mulDiv255(sa, invDa), da)
}

func blendPlus(sr, sg, sb, sa, dr, dg, db, da byte) (byte, byte, byte, byte) {
	return addClamp(sr, dr), addClamp(sg, dg), addClamp(sb, db), addClamp(sa, da)
}

// Row blends a row of premultiplied source pixels onto dst, scaling the
// source by alpha first. len(src) and len(dst) must be equal multiples of
// four.
func Row(dst, src []byte, mode Mode, alpha byte) {
	fn := Get(mode)
	for i := 0; i+3 < len(dst) && i+3 < len(src); i += 4 {
		sr, sg, sb, sa := src[i], src[i+1], src[i+2], src[i+3]
		if alpha != 255 {
			sr, sg, sb, sa = mulDiv255(sr, alpha), mulDiv255(sg, alpha), mulDiv255(sb, alpha), mulDiv255(sa, alpha)
		}
		dst[i], dst[i+1], dst[i+2], dst[i+3] = fn(sr, sg, sb, sa, dst[i], dst[i+1], dst[i+2], dst[i+3])
	}
}

// Premultiply converts a row of straight-alpha pixels in place.
func Premultiply(row []byte) {
	for i := 0; i+3 < len(row); i += 4 {
		a := row[i+3]
		if a == 255 {
			continue
		}
		row[i] = mulDiv255(row[i], a)
		row[i+1] = mulDiv255(row[i+1], a)
		row[i+2] = mulDiv255(row[i+2], a)
	}
}

// Opaque forces the alpha of a row of pixels to 255.
func Opaque(row []byte) {
	for i := 3; i < len(row); i += 4 {
		row[i] = 255
	}
}
