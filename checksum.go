// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import "hash/crc32"

// CRC32Checksum computes the 4-byte checksum Host.Checksum expects:
// the complement of the IEEE CRC32 over buf. The Host writes the value
// little-endian as the datagram's last 4 bytes. Wiring this in is
// optional; a Host with
// Checksum == nil sends datagrams with no trailing checksum at all.
func CRC32Checksum(buf []byte) uint32 {
	return ^crc32.ChecksumIEEE(buf)
}
