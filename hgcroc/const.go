// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hgcroc

const (
	syncV1 = 0xbeef2021 // start-of-event marker, DAQ format v1
	syncV2 = 0xbeef2022 // start-of-event marker, DAQ format v2

	rocIdle = 0xaccccccc // idle pattern closing a link (ROC v2)

	// ROC v2 writes its header word with a fixed 0xaa prefix,
	// ROC v3 brackets it with 0101 nibbles.
	rocHeaderPrefixV2 = 0xaa
	rocHeaderMarkV3   = 0x5

	calibSlot   = 20 // calibration channel slot on each link
	trailerSlot = 39 // idle/CRC word closing each link
	numSlots    = 40 // logical channel slots per link

	// DAQ format v2 always ships a fixed number of sample-length
	// words, whatever the actual sample count.
	v2LengthWords = 8
)

const (
	MaxLinks     = 64 // max number of elinks per Polarfire (6-bit count)
	MaxChannels  = 36 // data channels per elink
	MaxSamples   = 16 // max samples per acquisition (4-bit count)
	MaxPolarfire = 256
)
