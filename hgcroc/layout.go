// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hgcroc

import (
	"golang.org/x/xerrors"
)

// bitField names one field of a packed 32-bit word.
type bitField struct {
	name  string
	off   uint32 // offset of the least significant bit
	width uint32
}

func (f bitField) of(w uint32) uint32 {
	return (w >> f.off) & (1<<f.width - 1)
}

func (f bitField) put(v uint32) uint32 {
	return (v & (1<<f.width - 1)) << f.off
}

// evtHeaderLayout describes the outer event header word:
//
//	VERSION (4) | FPGA ID (8) | NSAMPLES (4) | LEN (16)
type evtHeaderLayout struct {
	version  bitField
	fpga     bitField
	nsamples bitField
	length   bitField
}

var evtHeader = evtHeaderLayout{
	version:  bitField{"version", 28, 4},
	fpga:     bitField{"fpga", 20, 8},
	nsamples: bitField{"nsamples", 16, 4},
	length:   bitField{"len", 0, 16},
}

// sampleLengths describes one word of the per-sample length table,
// packing two 12-bit word counts.
var sampleLengths = [2]bitField{
	{"len-lo", 0, 12},
	{"len-hi", 16, 12},
}

// extHeaderLayout describes the version-2 extended event header:
// a spill/bunch word and a packed run/date word (the tick counter
// and event number occupy full words of their own).
type extHeaderLayout struct {
	spill bitField
	bunch bitField

	run   bitField
	day   bitField
	month bitField
	hour  bitField
	min   bitField
}

var extHeader = extHeaderLayout{
	spill: bitField{"spill", 12, 12},
	bunch: bitField{"bunch", 0, 12},

	run:   bitField{"run", 0, 12},
	day:   bitField{"DD", 23, 5},
	month: bitField{"MM", 28, 4},
	hour:  bitField{"hh", 18, 5},
	min:   bitField{"mm", 12, 6},
}

// bxHeaderLayout describes the two words opening a bunch frame:
//
//	VERSION (4) | FPGA_ID (8) | NLINKS (6) | 00 | LEN (12)
//	BX ID (12)  | RREQ (10)   | OR (10)
type bxHeaderLayout struct {
	version bitField
	fpga    bitField
	nlinks  bitField
	length  bitField

	bx    bitField
	rreq  bitField
	orbit bitField
}

var bxHeader = bxHeaderLayout{
	version: bitField{"version", 28, 4},
	fpga:    bitField{"fpga", 20, 8},
	nlinks:  bitField{"nlinks", 14, 6},
	length:  bitField{"len", 0, 12},

	bx:    bitField{"bx", 20, 12},
	rreq:  bitField{"rreq", 10, 10},
	orbit: bitField{"orbit", 0, 10},
}

// linkCountLayout describes one byte of a four-link count word:
//
//	RID ok (1) | CRC ok (1) | LEN (6)
type linkCountLayout struct {
	ridOK bitField
	crcOK bitField
	count bitField
}

var linkCount = linkCountLayout{
	ridOK: bitField{"rid-ok", 7, 1},
	crcOK: bitField{"crc-ok", 6, 1},
	count: bitField{"len", 0, 6},
}

// linkHeaderLayout describes the word opening one link's stream:
//
//	ROC_ID (16) | CRC ok (1) | 0 (7) | RO Map (8)
type linkHeaderLayout struct {
	rocID bitField
	crcOK bitField
	roMap bitField
}

var linkHeader = linkHeaderLayout{
	rocID: bitField{"roc-id", 16, 16},
	crcOK: bitField{"crc-ok", 15, 1},
	roMap: bitField{"ro-map", 0, 8},
}

// rocHeaderLayout describes the slot-0 word each ROC prepends to its
// channel stream (ROC v3 layout):
//
//	0101 | BXID (12) | RREQ (6) | OR (3) | HE (3) | 0101
type rocHeaderLayout struct {
	bx      bitField
	rreq    bitField
	orbit   bitField
	hamming bitField
}

var rocHeader = rocHeaderLayout{
	bx:      bitField{"bx", 16, 12},
	rreq:    bitField{"rreq", 10, 6},
	orbit:   bitField{"orbit", 7, 3},
	hamming: bitField{"hamming", 4, 3},
}

// ChipLayout carries the HGCROC-generation dependent decoding
// policies: which channel slots are not data channels and how the
// link header and trailer words are validated.
//
// A ChipLayout is built once per decoder from the configured ROC
// version and is read-only afterwards.
type ChipLayout struct {
	ROCVersion int
	CommonMode int // slot carrying the common-mode reference
	Calib      int // slot carrying the calibration channel
}

// NewChipLayout returns the layout for the given HGCROC version.
func NewChipLayout(rocVersion int) (ChipLayout, error) {
	switch rocVersion {
	case 2:
		return ChipLayout{ROCVersion: 2, CommonMode: 19, Calib: calibSlot}, nil
	case 3:
		return ChipLayout{ROCVersion: 3, CommonMode: 1, Calib: calibSlot}, nil
	}
	return ChipLayout{}, xerrors.Errorf("hgcroc: unknown ROC version %d", rocVersion)
}

// Channel maps a data slot index to its logical channel number.
// The header slot and the common-mode and calibration slots are
// compressed out of the numbering so channels span 0-35.
func (lay ChipLayout) Channel(slot int) int {
	ch := slot - 1
	if slot > lay.CommonMode {
		ch--
	}
	if slot > lay.Calib {
		ch--
	}
	return ch
}

// isData reports whether slot is an ordinary data channel slot.
func (lay ChipLayout) isData(slot int) bool {
	return slot != 0 && slot != lay.CommonMode && slot != lay.Calib &&
		slot != trailerSlot
}

// goodROCHeader reports whether w matches the fixed bit pattern the
// ROC writes in its slot-0 header word.
func (lay ChipLayout) goodROCHeader(w uint32) bool {
	if lay.ROCVersion == 2 {
		return w>>24 == rocHeaderPrefixV2
	}
	return w>>28 == rocHeaderMarkV3 && w&0xf == rocHeaderMarkV3
}

// goodTrailer reports whether the slot-39 word w correctly closes a
// link whose running checksum is crc. ROC v2 closes links with a
// fixed idle pattern, ROC v3 with the link checksum itself.
func (lay ChipLayout) goodTrailer(w, crc uint32) bool {
	if lay.ROCVersion == 2 {
		return w == rocIdle
	}
	return w == crc
}

// trailer returns the slot-39 word closing a link whose running
// checksum is crc.
func (lay ChipLayout) trailer(crc uint32) uint32 {
	if lay.ROCVersion == 2 {
		return rocIdle
	}
	return crc
}
