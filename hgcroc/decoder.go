// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hgcroc

import (
	"encoding/binary"
	"io"
	"log"
	"math/bits"

	"golang.org/x/xerrors"
)

// Errors reported by the decoder. They come wrapped with context
// about where in the stream decoding stopped; test with errors.Is.
var (
	// ErrOutOfData is reported when the source runs dry before a
	// structurally required word. The output assembled so far must
	// not be trusted.
	ErrOutOfData = xerrors.New("hgcroc: word source exhausted")

	// ErrNoSync is reported when the source ends before a sync word
	// was seen.
	ErrNoSync = xerrors.New("hgcroc: no sync word found")

	// ErrVersion is reported for DAQ format versions other than 1
	// and 2.
	ErrVersion = xerrors.New("hgcroc: unknown DAQ format version")

	// ErrMalformedLink is reported when a link declares more channel
	// words than its readout map has set bits.
	ErrMalformedLink = xerrors.New("hgcroc: link length inconsistent with readout map")
)

// Decoder reads one acquisition worth of Polarfire frames from an
// underlying data source. Decoder computes the link and frame CRC-32
// checksums on the fly, as words are consumed.
//
// A Decoder owns its reader for the duration of a Decode call and
// keeps no state across acquisitions besides the chip layout; decode
// concurrent sources with one Decoder each.
type Decoder struct {
	r   io.Reader
	lay ChipLayout

	// Msg, when non-nil, receives non-fatal diagnostics such as
	// frame checksum mismatches.
	Msg *log.Logger

	buf []byte
	err error
	eof bool
	n   int // 32-bit words consumed since the sync word
}

// NewDecoder creates a decoder that reads data framed for the given
// chip layout from r.
func NewDecoder(lay ChipLayout, r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		lay: lay,
		buf: make([]byte, 4),
	}
}

// Decode reads one acquisition from the stream into evt.
//
// Decoding into a non-empty Event merges: header scalars are
// overwritten, the link quality vectors resized, and channel samples
// appended. Decode returns io.EOF when the source is exhausted
// before any word was read.
func (dec *Decoder) Decode(evt *Event) error {
	hdr := &evt.Header

	err := dec.seekSync()
	if err != nil {
		return err
	}

	dec.n = 0
	w := dec.readU32()
	if dec.err != nil {
		return xerrors.Errorf("hgcroc: could not read event header: %w", dec.err)
	}

	hdr.Version = evtHeader.version.of(w)
	hdr.FPGA = evtHeader.fpga.of(w)
	hdr.NSamples = evtHeader.nsamples.of(w)

	evtlen := int(evtHeader.length.of(w))
	switch hdr.Version {
	case 1:
		// event length already counts 32-bit words.
	case 2:
		// event length counts 64-bit words and includes the header
		// word just consumed.
		evtlen = 2*evtlen - 1
	default:
		return xerrors.Errorf("%w: version %d", ErrVersion, hdr.Version)
	}
	hdr.EventLength = evtlen

	// per-sample length table, two 12-bit word counts per word.
	var (
		lenOfSample = make([]uint32, hdr.NSamples)
		nLenWords   int
	)
	for i := range lenOfSample {
		if i%2 == 0 {
			w = dec.readU32()
			nLenWords++
		}
		lenOfSample[i] = sampleLengths[i%2].of(w)
	}
	if dec.err != nil {
		return xerrors.Errorf("hgcroc: could not read sample length table: %w", dec.err)
	}

	if hdr.Version == 2 {
		err := dec.readExtHeader(hdr, nLenWords)
		if err != nil {
			return err
		}
	}

	for sample := 0; dec.n < evtlen; sample++ {
		if sample >= len(lenOfSample) {
			return xerrors.Errorf(
				"hgcroc: bunch frame %d beyond declared sample count %d",
				sample, hdr.NSamples,
			)
		}
		err := dec.decodeFrame(evt, sample, lenOfSample[sample])
		if err != nil {
			return err
		}
	}

	if hdr.Version == 1 {
		// two footer words with no semantic content.
		_ = dec.readU32()
		_ = dec.readU32()
		if dec.err != nil {
			return xerrors.Errorf("hgcroc: could not read event footer: %w", dec.err)
		}
	}

	return nil
}

// seekSync discards words until a sync word is found. Words before
// the sync are padding inserted upstream of the Polarfire stream.
func (dec *Decoder) seekSync() error {
	for first := true; ; first = false {
		w := dec.readU32()
		if dec.err != nil {
			switch {
			case dec.eof && first:
				return io.EOF
			case dec.eof:
				return xerrors.Errorf("%w before end of data", ErrNoSync)
			}
			return xerrors.Errorf("hgcroc: could not find sync word: %w", dec.err)
		}
		switch w {
		case syncV1, syncV2:
			return nil
		}
	}
}

// readExtHeader consumes the fixed-size remainder of the version-2
// event header: padding up to 8 sample-length words, then the
// spill/bunch, tick, event number and run/date words.
func (dec *Decoder) readExtHeader(hdr *EventHeader, nLenWords int) error {
	for i := nLenWords; i < v2LengthWords; i++ {
		_ = dec.readU32()
	}

	w := dec.readU32()
	hdr.Spill = extHeader.spill.of(w)
	hdr.Bunch = extHeader.bunch.of(w)

	hdr.Ticks = dec.readU32()
	hdr.Number = dec.readU32()

	w = dec.readU32()
	hdr.Run = extHeader.run.of(w)
	hdr.Day = extHeader.day.of(w)
	hdr.Month = extHeader.month.of(w)
	hdr.Hour = extHeader.hour.of(w)
	hdr.Min = extHeader.min.of(w)

	if dec.err != nil {
		return xerrors.Errorf("hgcroc: could not read extended event header: %w", dec.err)
	}
	return nil
}

// decodeFrame decodes one bunch frame: its two header words, the
// per-link word counts, each active link's channel stream, the FPGA
// checksum word and, for version 2, the 64-bit alignment padding.
func (dec *Decoder) decodeFrame(evt *Event, sample int, wordsInSample uint32) error {
	hdr := &evt.Header
	var frameCRC wordCRC

	w := dec.readU32()
	if dec.err != nil {
		return xerrors.Errorf("hgcroc: could not read header of bunch frame %d: %w", sample, dec.err)
	}
	frameCRC.absorb(w)

	var (
		fpga   = bxHeader.fpga.of(w)
		nlinks = int(bxHeader.nlinks.of(w))
	)

	w = dec.readU32()
	if dec.err != nil {
		return xerrors.Errorf("hgcroc: could not read counters of bunch frame %d: %w", sample, dec.err)
	}
	frameCRC.absorb(w)
	if dec.Msg != nil {
		dec.Msg.Printf("frame %d: bx=%d rreq=%d orbit=%d nlinks=%d",
			sample, bxHeader.bx.of(w), bxHeader.rreq.of(w), bxHeader.orbit.of(w), nlinks)
	}

	// per-link word counts, four links per word.
	lenOfLink := make([]uint32, nlinks)
	for link := 0; link < nlinks; link++ {
		if link%4 == 0 {
			w = dec.readU32()
			frameCRC.absorb(w)
		}
		b := w >> (8 * (link % 4))
		lenOfLink[link] = linkCount.count.of(b)
		if dec.Msg != nil {
			// The rid-ok and crc-ok flags are genuine single-bit
			// tests; see TestLinkCountFlags.
			dec.Msg.Printf("frame %d: link %d: words=%d rid-ok=%v crc-ok=%v",
				sample, link, lenOfLink[link],
				linkCount.ridOK.of(b) == 1, linkCount.crcOK.of(b) == 1)
		}
	}
	if dec.err != nil {
		return xerrors.Errorf("hgcroc: could not read link counts of bunch frame %d: %w", sample, dec.err)
	}

	hdr.GoodLinkHeader = resizeBools(hdr.GoodLinkHeader, nlinks)
	hdr.GoodLinkTrailer = resizeBools(hdr.GoodLinkTrailer, nlinks)

	for link := 0; link < nlinks; link++ {
		if lenOfLink[link] < 2 {
			// the link was down, no words were written for it.
			continue
		}
		err := dec.decodeLink(evt, fpga, link, lenOfLink[link], &frameCRC)
		if err != nil {
			return err
		}
	}

	// Whole-frame checksum from the FPGA. The exact accumulation the
	// firmware applies has not been confirmed against known-good
	// captures, so a mismatch is reported, never fatal.
	w = dec.readU32()
	if dec.err != nil {
		return xerrors.Errorf("hgcroc: could not read checksum of bunch frame %d: %w", sample, dec.err)
	}
	if got, want := frameCRC.value(), w; got != want && dec.Msg != nil {
		dec.Msg.Printf("frame %d: FPGA checksum mismatch: comp=0x%08x recv=0x%08x",
			sample, got, want)
	}

	if hdr.Version == 2 && wordsInSample%2 == 1 {
		// pad to the 64-bit boundary.
		_ = dec.readU32()
		if dec.err != nil {
			return xerrors.Errorf("hgcroc: could not read padding of bunch frame %d: %w", sample, dec.err)
		}
	}

	return nil
}

// decodeLink decodes one link's channel stream: the link header
// word, the 40-bit readout map, then one word per set map bit in
// ascending slot order. nwords is the link's declared word count,
// including the two header words.
func (dec *Decoder) decodeLink(evt *Event, fpga uint32, link int, nwords uint32, frameCRC *wordCRC) error {
	hdr := &evt.Header
	var linkCRC wordCRC

	w := dec.readU32()
	if dec.err != nil {
		return xerrors.Errorf("hgcroc: could not read header of link %d: %w", link, dec.err)
	}
	frameCRC.absorb(w)
	linkCRC.absorb(w)
	if dec.Msg != nil {
		dec.Msg.Printf("link %d: roc=0x%04x crc-ok=%v",
			link, linkHeader.rocID.of(w), linkHeader.crcOK.of(w) == 1)
	}

	// the readout map: 8 high bits from the link header word, 32 low
	// bits from the next word. One set bit per slot present in the
	// stream.
	roMap := uint64(linkHeader.roMap.of(w)) << 32

	w = dec.readU32()
	if dec.err != nil {
		return xerrors.Errorf("hgcroc: could not read readout map of link %d: %w", link, dec.err)
	}
	frameCRC.absorb(w)
	linkCRC.absorb(w)
	roMap |= uint64(w)

	if n := uint32(bits.OnesCount64(roMap)); n < nwords-2 {
		return xerrors.Errorf(
			"%w: link %d declares %d channel words, readout map has %d set bits",
			ErrMalformedLink, link, nwords-2, n,
		)
	}

	slot := -1
	for i := uint32(2); i < nwords; i++ {
		for slot++; slot < numSlots && roMap&(1<<uint(slot)) == 0; slot++ {
		}

		w = dec.readU32()
		if dec.err != nil {
			return xerrors.Errorf("hgcroc: could not read slot %d of link %d: %w", slot, link, dec.err)
		}
		frameCRC.absorb(w)

		switch {
		case slot == 0:
			linkCRC.absorb(w)
			hdr.GoodLinkHeader[link] = dec.lay.goodROCHeader(w)

		case slot == dec.lay.CommonMode, slot == dec.lay.Calib:
			linkCRC.absorb(w)

		case slot == trailerSlot:
			// the trailer is excluded from its own checksum scope.
			hdr.GoodLinkTrailer[link] = dec.lay.goodTrailer(w, linkCRC.value())

		default:
			evt.add(ElectronicsID{
				FPGA:    uint8(fpga),
				Link:    uint8(link),
				Channel: uint8(dec.lay.Channel(slot)),
			}, Sample(w))
			linkCRC.absorb(w)
		}
	}

	return nil
}

func (dec *Decoder) readU32() uint32 {
	if dec.err != nil {
		return 0
	}
	_, err := io.ReadFull(dec.r, dec.buf[:4])
	switch {
	case err == nil:
		dec.n++
		return binary.LittleEndian.Uint32(dec.buf[:4])
	case xerrors.Is(err, io.EOF):
		dec.eof = true
		dec.err = xerrors.Errorf("%w: %v", ErrOutOfData, err)
	case xerrors.Is(err, io.ErrUnexpectedEOF):
		dec.err = xerrors.Errorf("%w: %v", ErrOutOfData, err)
	default:
		dec.err = err
	}
	return 0
}

// resizeBools sets v's length to n, zero-filling growth, matching
// the quality vectors to the link count of the latest bunch frame.
func resizeBools(v []bool, n int) []bool {
	for len(v) < n {
		v = append(v, false)
	}
	return v[:n]
}
