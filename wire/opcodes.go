// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wire

import "fmt"

// Opcode ranges of the three decoders. Each decoder consumes packets whose
// opcode falls in its range and stops at the first one that does not.
const (
	GLES1Base   uint32 = 1024
	GLES2Base   uint32 = 2048
	ControlBase uint32 = 10000
	ControlEnd  uint32 = 20000
)

// GLES opcodes with host-side meaning for the software driver. Every other
// opcode in the GLES ranges is passed through to the driver untouched.
const (
	GLES1Clear      = GLES1Base + 7
	GLES1ClearColor = GLES1Base + 8
	GLES1Finish     = GLES1Base + 39
	GLES1Flush      = GLES1Base + 40
	GLES1Viewport   = GLES1Base + 83

	GLES2Clear      = GLES2Base + 12
	GLES2ClearColor = GLES2Base + 13
	GLES2Finish     = GLES2Base + 47
	GLES2Flush      = GLES2Base + 48
	GLES2Viewport   = GLES2Base + 141
)

// Op is a render-control opcode.
type Op uint32

// Render-control opcodes. Argument and reply layouts are listed as
// "args -> reply"; u32/i32/f32 are little endian, "bytes" is a u32 length
// followed by that many bytes.
const (
	OpGetRendererVersion          Op = Op(ControlBase) + iota // -> u32
	OpGetEGLVersion                                           // -> i32 major, i32 minor, i32 ok
	OpQueryEGLString                                          // u32 name -> bytes
	OpGetGLString                                             // u32 name -> bytes
	OpGetNumConfigs                                           // -> u32
	OpGetFBParam                                              // u32 param -> i32
	OpCreateContext                                           // u32 config, u32 share, u32 api -> u32 handle
	OpDestroyContext                                          // u32 handle
	OpCreateWindowSurface                                     // u32 config, u32 w, u32 h -> u32 handle
	OpDestroyWindowSurface                                    // u32 handle
	OpCreateColorBuffer                                       // u32 w, u32 h, u32 internal format -> u32 handle
	OpOpenColorBuffer                                         // u32 handle
	OpCloseColorBuffer                                        // u32 handle
	OpSetWindowColorBuffer                                    // u32 surface, u32 color buffer
	OpFlushWindowColorBuffer                                  // u32 surface -> i32
	OpMakeCurrent                                             // u32 ctx, u32 draw, u32 read -> i32
	OpFBPost                                                  // u32 color buffer
	OpFBSetSwapInterval                                       // i32 interval
	OpReadColorBuffer                                         // u32 cb, i32 x, y, w, h, u32 format, u32 type -> pixels
	OpUpdateColorBuffer                                       // u32 cb, i32 x, y, w, h, u32 format, u32 type, bytes -> i32
	OpOpenColorBuffer2                                        // u32 handle -> i32
	OpCreateClientImage                                       // u32 ctx, u32 target, u32 buffer -> u32 handle
	OpDestroyClientImage                                      // u32 handle -> i32
	OpSetPUID                                                 // u64 puid
	OpFlushWindowColorBufferAsync                             // u32 surface
	OpCompose                                                 // bytes -> i32
	OpCreateDisplay                                           // -> i32 ok, u32 display
	OpDestroyDisplay                                          // u32 display -> i32
	OpSetDisplayColorBuffer                                   // u32 display, u32 cb -> i32
	OpGetDisplayColorBuffer                                   // u32 display -> i32 ok, u32 cb
	OpGetColorBufferDisplay                                   // u32 cb -> i32 ok, u32 display
	OpGetDisplayPose                                          // u32 display -> i32 ok, i32 x, i32 y, u32 w, u32 h
	OpSetDisplayPose                                          // u32 display, i32 x, i32 y, u32 w, u32 h -> i32
	OpCreateColorBufferWithHandle                             // u32 w, u32 h, u32 internal format, u32 handle
	OpGetColorBufferInfo                                      // u32 cb -> i32 ok, u32 w, u32 h, u32 internal format, u32 fw format
	OpCreateBuffer                                            // u64 size -> u32 handle
	OpCreateBufferWithHandle                                  // u64 size, u32 handle
	OpCloseBuffer                                             // u32 handle
	OpProcessExit                                             // -> i32
	OpSetColorBufferFrameworkFormat                           // u32 cb, u32 fw format

	opLast
)

var opNames = [...]string{
	"GetRendererVersion",
	"GetEGLVersion",
	"QueryEGLString",
	"GetGLString",
	"GetNumConfigs",
	"GetFBParam",
	"CreateContext",
	"DestroyContext",
	"CreateWindowSurface",
	"DestroyWindowSurface",
	"CreateColorBuffer",
	"OpenColorBuffer",
	"CloseColorBuffer",
	"SetWindowColorBuffer",
	"FlushWindowColorBuffer",
	"MakeCurrent",
	"FBPost",
	"FBSetSwapInterval",
	"ReadColorBuffer",
	"UpdateColorBuffer",
	"OpenColorBuffer2",
	"CreateClientImage",
	"DestroyClientImage",
	"SetPUID",
	"FlushWindowColorBufferAsync",
	"Compose",
	"CreateDisplay",
	"DestroyDisplay",
	"SetDisplayColorBuffer",
	"GetDisplayColorBuffer",
	"GetColorBufferDisplay",
	"GetDisplayPose",
	"SetDisplayPose",
	"CreateColorBufferWithHandle",
	"GetColorBufferInfo",
	"CreateBuffer",
	"CreateBufferWithHandle",
	"CloseBuffer",
	"ProcessExit",
	"SetColorBufferFrameworkFormat",
}

// Known reports whether op is a defined render-control opcode.
func (op Op) Known() bool {
	return op >= Op(ControlBase) && op < opLast
}

func (op Op) String() string {
	if !op.Known() {
		return fmt.Sprintf("Op(%d)", uint32(op))
	}
	return "rc" + opNames[op-Op(ControlBase)]
}

// RendererVersion is returned by OpGetRendererVersion.
const RendererVersion = 1

// EGL string names for OpQueryEGLString.
const (
	EGLVendor     = 0x3053
	EGLVersion    = 0x3054
	EGLExtensions = 0x3055
)

// GL string names for OpGetGLString.
const (
	GLVendor     = 0x1F00
	GLRenderer   = 0x1F01
	GLVersion    = 0x1F02
	GLExtensions = 0x1F03
)

// Framebuffer parameters for OpGetFBParam.
const (
	FBWidth  = 0x3057
	FBHeight = 0x3056
	FBXDPI   = 0x3058
	FBYDPI   = 0x3059
	FBFPS    = 0x305A
)
