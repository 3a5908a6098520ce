// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hgcroc

import (
	"encoding/binary"
	"io"
	"sort"

	"golang.org/x/xerrors"
)

// Acquisition is the encoder-side description of one acquisition,
// organized by bunch the way the hardware streams it. Decoding an
// encoded Acquisition re-sorts the channel words into an Event.
type Acquisition struct {
	Version int // DAQ format version, 1 or 2
	FPGA    uint8

	// version-2 extended header content.
	Spill  uint32
	Bunch  uint32
	Ticks  uint32
	Number uint32
	Run    uint32
	Day    uint32
	Month  uint32
	Hour   uint32
	Min    uint32

	Frames []SampleFrame // one per bunch/sample
}

// SampleFrame is one bunch worth of link streams.
type SampleFrame struct {
	BX    uint32
	RReq  uint32
	Orbit uint32
	Links []LinkFrame
}

// LinkFrame is one elink's channel stream within one bunch. A nil
// Words map marks a link that was down: no words are written for it.
// The trailer slot is generated by the encoder and must not appear
// in Words.
type LinkFrame struct {
	ROC   uint16
	Words map[int]uint32 // slot index -> raw word
}

// Encoder writes acquisitions to an output stream in the Polarfire
// wire format, computing the length tables, readout maps, link
// trailers and frame checksums on the fly.
type Encoder struct {
	w   io.Writer
	lay ChipLayout
	buf []byte
	err error
}

// NewEncoder returns a new Encoder that writes to w, closing links
// the way the given chip generation does.
func NewEncoder(lay ChipLayout, w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		lay: lay,
		buf: make([]byte, 4),
	}
}

// Encode writes one acquisition to the stream, sync word first.
func (enc *Encoder) Encode(acq *Acquisition) error {
	if acq == nil {
		return nil
	}

	err := enc.validate(acq)
	if err != nil {
		return err
	}

	var (
		nsamples = len(acq.Frames)
		frameLen = make([]uint32, nsamples)
		evtlen   int
	)
	for i, frame := range acq.Frames {
		frameLen[i] = frameWords(&frame)
		evtlen += int(frameLen[i])
		if acq.Version == 2 && frameLen[i]%2 == 1 {
			evtlen++ // 64-bit alignment padding
		}
	}

	nLenWords := (nsamples + 1) / 2
	switch acq.Version {
	case 1:
		evtlen += 1 + nLenWords
		enc.writeU32(syncV1)
	case 2:
		evtlen += 1 + v2LengthWords + 4
		enc.writeU32(syncV2)
	}

	lenField := uint32(evtlen)
	if acq.Version == 2 {
		// the field counts 64-bit words, header word included.
		lenField = uint32(evtlen+1) / 2
	}

	enc.writeU32(evtHeader.version.put(uint32(acq.Version)) |
		evtHeader.fpga.put(uint32(acq.FPGA)) |
		evtHeader.nsamples.put(uint32(nsamples)) |
		evtHeader.length.put(lenField))

	for i := 0; i < nsamples; i += 2 {
		w := sampleLengths[0].put(frameLen[i])
		if i+1 < nsamples {
			w |= sampleLengths[1].put(frameLen[i+1])
		}
		enc.writeU32(w)
	}

	if acq.Version == 2 {
		for i := nLenWords; i < v2LengthWords; i++ {
			enc.writeU32(0)
		}
		enc.writeU32(extHeader.spill.put(acq.Spill) | extHeader.bunch.put(acq.Bunch))
		enc.writeU32(acq.Ticks)
		enc.writeU32(acq.Number)
		enc.writeU32(extHeader.run.put(acq.Run) |
			extHeader.day.put(acq.Day) | extHeader.month.put(acq.Month) |
			extHeader.hour.put(acq.Hour) | extHeader.min.put(acq.Min))
	}

	for i := range acq.Frames {
		enc.encodeFrame(acq, &acq.Frames[i], frameLen[i])
	}

	if acq.Version == 1 {
		// footer words, no semantic content.
		enc.writeU32(0)
		enc.writeU32(0)
	}

	if enc.err != nil {
		return xerrors.Errorf("hgcroc: could not encode acquisition: %w", enc.err)
	}
	return nil
}

func (enc *Encoder) validate(acq *Acquisition) error {
	if acq.Version != 1 && acq.Version != 2 {
		return xerrors.Errorf("%w: version %d", ErrVersion, acq.Version)
	}
	if len(acq.Frames) >= MaxSamples {
		return xerrors.Errorf("hgcroc: too many samples (got=%d, max=%d)",
			len(acq.Frames), MaxSamples-1)
	}
	for i, frame := range acq.Frames {
		if len(frame.Links) >= MaxLinks {
			return xerrors.Errorf("hgcroc: frame %d: too many links (got=%d, max=%d)",
				i, len(frame.Links), MaxLinks-1)
		}
		for j, link := range frame.Links {
			for slot := range link.Words {
				if slot < 0 || slot >= trailerSlot {
					return xerrors.Errorf("hgcroc: frame %d: link %d: invalid slot %d",
						i, j, slot)
				}
			}
		}
	}
	return nil
}

// linkWords returns the declared word count of one link: its two
// header words plus one word per present slot, trailer included.
func linkWords(link *LinkFrame) uint32 {
	if len(link.Words) == 0 {
		return 0
	}
	return 2 + uint32(len(link.Words)) + 1
}

// frameWords returns the word count of one bunch frame, from its
// first header word through the FPGA checksum word.
func frameWords(frame *SampleFrame) uint32 {
	n := uint32(2 + (len(frame.Links)+3)/4 + 1)
	for i := range frame.Links {
		n += linkWords(&frame.Links[i])
	}
	return n
}

func (enc *Encoder) encodeFrame(acq *Acquisition, frame *SampleFrame, frameLen uint32) {
	var frameCRC wordCRC

	w := bxHeader.version.put(uint32(acq.Version)) |
		bxHeader.fpga.put(uint32(acq.FPGA)) |
		bxHeader.nlinks.put(uint32(len(frame.Links))) |
		bxHeader.length.put(frameLen)
	enc.writeU32(w)
	frameCRC.absorb(w)

	w = bxHeader.bx.put(frame.BX) | bxHeader.rreq.put(frame.RReq) |
		bxHeader.orbit.put(frame.Orbit)
	enc.writeU32(w)
	frameCRC.absorb(w)

	for i := 0; i < len(frame.Links); i += 4 {
		var w uint32
		for j := i; j < len(frame.Links) && j < i+4; j++ {
			b := linkCount.count.put(linkWords(&frame.Links[j])) |
				linkCount.ridOK.put(1) | linkCount.crcOK.put(1)
			w |= b << (8 * (j - i))
		}
		enc.writeU32(w)
		frameCRC.absorb(w)
	}

	for i := range frame.Links {
		enc.encodeLink(&frame.Links[i], &frameCRC)
	}

	enc.writeU32(frameCRC.value())

	if acq.Version == 2 && frameLen%2 == 1 {
		enc.writeU32(0) // pad to the 64-bit boundary
	}
}

func (enc *Encoder) encodeLink(link *LinkFrame, frameCRC *wordCRC) {
	if len(link.Words) == 0 {
		return
	}

	var (
		linkCRC wordCRC
		roMap   uint64 = 1 << trailerSlot
		slots          = make([]int, 0, len(link.Words))
	)
	for slot := range link.Words {
		roMap |= 1 << uint(slot)
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	w := linkHeader.rocID.put(uint32(link.ROC)) |
		linkHeader.crcOK.put(1) |
		linkHeader.roMap.put(uint32(roMap>>32))
	enc.writeU32(w)
	frameCRC.absorb(w)
	linkCRC.absorb(w)

	w = uint32(roMap)
	enc.writeU32(w)
	frameCRC.absorb(w)
	linkCRC.absorb(w)

	for _, slot := range slots {
		w = link.Words[slot]
		enc.writeU32(w)
		frameCRC.absorb(w)
		linkCRC.absorb(w)
	}

	w = enc.lay.trailer(linkCRC.value())
	enc.writeU32(w)
	frameCRC.absorb(w)
}

func (enc *Encoder) writeU32(v uint32) {
	if enc.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(enc.buf[:4], v)
	_, enc.err = enc.w.Write(enc.buf[:4])
}
