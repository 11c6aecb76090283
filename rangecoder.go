// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

// Compressor is an opaque compress/decompress pair for a datagram's
// command stream (§1 lists the range coder as out of scope). Host has a
// Compressor field, but neither its send pass nor its receive path
// calls it. No context-exclusion knob is exposed —
// the consolidated design rejected one (§9 open questions): a
// Compressor either round-trips a whole command stream or it doesn't,
// and no caller in this engine needs partial exclusion.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}
