// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hgcroc

import (
	"encoding/binary"
	"hash/crc32"
)

// wordCRC accumulates the CRC-32 checksum the front-end computes
// over the little-endian bytes of each 32-bit word it ships.
// Two scopes are live while decoding: one per link and one per
// bunch frame. The zero value is ready to use.
type wordCRC struct {
	sum uint32
	buf [4]byte
}

func (crc *wordCRC) absorb(w uint32) {
	binary.LittleEndian.PutUint32(crc.buf[:], w)
	crc.sum = crc32.Update(crc.sum, crc32.IEEETable, crc.buf[:])
}

func (crc *wordCRC) value() uint32 { return crc.sum }
