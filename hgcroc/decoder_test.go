// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hgcroc

import (
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/xerrors"
)

// words serializes 32-bit words the way the Polarfire ships them.
func words(ws ...uint32) []byte {
	buf := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func rocv2(t *testing.T) ChipLayout {
	t.Helper()
	lay, err := NewChipLayout(2)
	if err != nil {
		t.Fatalf("could not build ROC v2 layout: %+v", err)
	}
	return lay
}

func rocv3(t *testing.T) ChipLayout {
	t.Helper()
	lay, err := NewChipLayout(3)
	if err != nil {
		t.Fatalf("could not build ROC v3 layout: %+v", err)
	}
	return lay
}

func TestDecoder(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  []byte
		want error
		is   error
	}{
		{
			name: "no-data",
			raw:  nil,
			want: io.EOF,
			is:   io.EOF,
		},
		{
			name: "truncated-first-word",
			raw:  []byte{0x21, 0x20, 0xef},
			want: xerrors.Errorf("hgcroc: could not find sync word: %w",
				xerrors.Errorf("%w: %v", ErrOutOfData, io.ErrUnexpectedEOF)),
			is: ErrOutOfData,
		},
		{
			name: "no-sync",
			raw:  words(0xdeadbeef, 0x00000000, 0xcafebabe),
			want: xerrors.Errorf("%w before end of data", ErrNoSync),
			is:   ErrNoSync,
		},
		{
			name: "missing-event-header",
			raw:  words(syncV1),
			want: xerrors.Errorf("hgcroc: could not read event header: %w",
				xerrors.Errorf("%w: %v", ErrOutOfData, io.EOF)),
			is: ErrOutOfData,
		},
		{
			name: "unknown-daq-version",
			raw: words(
				syncV1,
				3<<28|3<<20|1<<16|9,
			),
			want: xerrors.Errorf("%w: version 3", ErrVersion),
			is:   ErrVersion,
		},
		{
			name: "short-sample-length-table",
			raw: words(
				syncV1,
				1<<28|3<<20|3<<16|9,
			),
			want: xerrors.Errorf("hgcroc: could not read sample length table: %w",
				xerrors.Errorf("%w: %v", ErrOutOfData, io.EOF)),
			is: ErrOutOfData,
		},
		{
			name: "short-bunch-frame",
			raw: words(
				syncV1,
				1<<28|3<<20|1<<16|9,
				11,
				1<<28|3<<20|1<<14|11,
			),
			want: xerrors.Errorf("hgcroc: could not read counters of bunch frame 0: %w",
				xerrors.Errorf("%w: %v", ErrOutOfData, io.EOF)),
			is: ErrOutOfData,
		},
		{
			name: "malformed-link",
			raw: words(
				syncV1,
				1<<28|3<<20|1<<16|9,
				11,
				1<<28|3<<20|1<<14|11,
				1<<20|2<<10|3,
				0xc0|5, // 3 channel words declared
				0x00018080,
				0x00000001, // readout map has slots 0 and 39 only
			),
			want: xerrors.Errorf(
				"%w: link 0 declares 3 channel words, readout map has 2 set bits",
				ErrMalformedLink),
			is: ErrMalformedLink,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dec := NewDecoder(rocv2(t), bytes.NewReader(tc.raw))
			evt := NewEvent()
			err := dec.Decode(evt)
			if err == nil {
				t.Fatalf("expected an error: %+v", tc.want)
			}
			if got, want := err.Error(), tc.want.Error(); got != want {
				t.Fatalf("invalid error:\ngot: %s\nwant:%s\n", got, want)
			}
			if !xerrors.Is(err, tc.is) {
				t.Fatalf("error %q does not wrap %q", err, tc.is)
			}
			if tc.is != io.EOF && evt.NumChannels() != 0 {
				t.Fatalf("fatal decode left %d channels behind", evt.NumChannels())
			}
		})
	}
}

// TestDecodeHeaderOnlyLink walks a minimal version-1 acquisition with
// a single link whose readout map carries only the ROC header slot
// and the trailer slot: the quality flags must be set and no data
// channel may appear.
func TestDecodeHeaderOnlyLink(t *testing.T) {
	raw := words(
		syncV1,
		1<<28|3<<20|1<<16|9, // version=1 fpga=3 nsamples=1 len=9
		11,                  // sample 0 declared 11 words long
		1<<28|3<<20|1<<14|11,
		1<<20|2<<10|3, // bx=1 rreq=2 orbit=3
		0xc0|4,        // link 0: 4 words, rid-ok, crc-ok
		0x00018080,    // roc=0x0001, crc-ok, high map byte
		0x00000001,    // low map word: slot 0 only
		0xaa012345,    // ROC header word, good v2 prefix
		rocIdle,       // trailer, good v2 idle
		0xdeadc0de,    // FPGA checksum (not enforced)
		0, 0,          // v1 footer words
	)

	dec := NewDecoder(rocv2(t), bytes.NewReader(raw))
	evt := NewEvent()
	err := dec.Decode(evt)
	if err != nil {
		t.Fatalf("could not decode: %+v", err)
	}

	hdr := evt.Header
	if got, want := hdr.Version, uint32(1); got != want {
		t.Fatalf("invalid version: got=%d, want=%d", got, want)
	}
	if got, want := hdr.FPGA, uint32(3); got != want {
		t.Fatalf("invalid FPGA id: got=%d, want=%d", got, want)
	}
	if got, want := hdr.NSamples, uint32(1); got != want {
		t.Fatalf("invalid sample count: got=%d, want=%d", got, want)
	}
	if got, want := hdr.EventLength, 9; got != want {
		t.Fatalf("invalid event length: got=%d, want=%d", got, want)
	}
	if got, want := hdr.GoodLinkHeader, []bool{true}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid link header quality: got=%v, want=%v", got, want)
	}
	if got, want := hdr.GoodLinkTrailer, []bool{true}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid link trailer quality: got=%v, want=%v", got, want)
	}
	if got, want := evt.NumChannels(), 0; got != want {
		t.Fatalf("invalid channel count: got=%d, want=%d", got, want)
	}

	// the two footer words must have been consumed.
	var trail [1]byte
	if _, err := dec.r.Read(trail[:]); err != io.EOF {
		t.Fatalf("decoder did not drain the acquisition: %+v", err)
	}
}

// TestLinkCountFlags checks that the per-link rid-ok and crc-ok
// flags are decoded as genuine single-bit tests: bit 7 and bit 6 of
// each count byte, masked before any comparison.
func TestLinkCountFlags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		count uint32
		want  string
	}{
		{name: "both-set", count: 0xc0 | 4, want: "rid-ok=true crc-ok=true"},
		{name: "rid-only", count: 0x80 | 4, want: "rid-ok=true crc-ok=false"},
		{name: "none-set", count: 0x00 | 4, want: "rid-ok=false crc-ok=false"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw := words(
				syncV1,
				1<<28|3<<20|1<<16|9,
				11,
				1<<28|3<<20|1<<14|11,
				1<<20|2<<10|3,
				tc.count,
				0x00018080,
				0x00000001,
				0xaa012345,
				rocIdle,
				0xdeadc0de,
				0, 0,
			)

			msg := new(bytes.Buffer)
			dec := NewDecoder(rocv2(t), bytes.NewReader(raw))
			dec.Msg = log.New(msg, "", 0)

			err := dec.Decode(NewEvent())
			if err != nil {
				t.Fatalf("could not decode: %+v", err)
			}
			if !strings.Contains(msg.String(), tc.want) {
				t.Fatalf("missing %q in decoder diagnostics:\n%s", tc.want, msg.String())
			}
		})
	}
}

func TestFrameChecksumDiagnostic(t *testing.T) {
	lay := rocv2(t)

	buf := new(bytes.Buffer)
	err := NewEncoder(lay, buf).Encode(&Acquisition{
		Version: 1,
		FPGA:    7,
		Frames: []SampleFrame{
			{BX: 1, Links: []LinkFrame{
				{ROC: 1, Words: map[int]uint32{0: 0xaa012345, 5: 0x1111}},
			}},
		},
	})
	if err != nil {
		t.Fatalf("could not encode: %+v", err)
	}

	// corrupt the checksum word, which sits right before the two
	// footer words.
	raw := buf.Bytes()
	raw[len(raw)-12] ^= 0xff

	msg := new(bytes.Buffer)
	dec := NewDecoder(lay, bytes.NewReader(raw))
	dec.Msg = log.New(msg, "", 0)

	err = dec.Decode(NewEvent())
	if err != nil {
		t.Fatalf("checksum mismatch must not be fatal: %+v", err)
	}
	if !strings.Contains(msg.String(), "FPGA checksum mismatch") {
		t.Fatalf("missing checksum diagnostic:\n%s", msg.String())
	}
}

func TestDecodeAggregation(t *testing.T) {
	lay := rocv2(t)

	acq := Acquisition{
		Version: 1,
		FPGA:    7,
		Frames: []SampleFrame{
			{BX: 42, Links: []LinkFrame{
				{ROC: 1, Words: map[int]uint32{0: 0xaa012345, 3: 0x333, 7: 0x777}},
			}},
		},
	}

	evt := NewEvent()
	for i := 0; i < 2; i++ {
		buf := new(bytes.Buffer)
		err := NewEncoder(lay, buf).Encode(&acq)
		if err != nil {
			t.Fatalf("buffer %d: could not encode: %+v", i, err)
		}
		err = NewDecoder(lay, buf).Decode(evt)
		if err != nil {
			t.Fatalf("buffer %d: could not decode: %+v", i, err)
		}
	}

	if got, want := evt.NumChannels(), 2; got != want {
		t.Fatalf("invalid channel count: got=%d, want=%d", got, want)
	}
	for _, id := range evt.IDs() {
		samples, ok := evt.Samples(id)
		if !ok {
			t.Fatalf("channel %v vanished", id)
		}
		if got, want := len(samples), 2; got != want {
			t.Fatalf("channel %v: invalid sample count: got=%d, want=%d", id, got, want)
		}
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("aggregated event does not validate: %+v", err)
	}
}

func TestChipLayout(t *testing.T) {
	if _, err := NewChipLayout(4); err == nil {
		t.Fatalf("expected an error for ROC version 4")
	}

	v2 := rocv2(t)
	v3 := rocv3(t)

	if got, want := v2.CommonMode, 19; got != want {
		t.Fatalf("invalid v2 common-mode slot: got=%d, want=%d", got, want)
	}
	if got, want := v3.CommonMode, 1; got != want {
		t.Fatalf("invalid v3 common-mode slot: got=%d, want=%d", got, want)
	}

	for _, tc := range []struct {
		lay  ChipLayout
		slot int
		want int
	}{
		{v2, 1, 0},
		{v2, 18, 17},
		{v2, 21, 18},
		{v2, 38, 35},
		{v3, 2, 0},
		{v3, 19, 17},
		{v3, 21, 18},
		{v3, 38, 35},
	} {
		if got := tc.lay.Channel(tc.slot); got != tc.want {
			t.Fatalf("roc v%d: channel(%d): got=%d, want=%d",
				tc.lay.ROCVersion, tc.slot, got, tc.want)
		}
	}

	// channel numbering preserves slot order.
	for _, lay := range []ChipLayout{v2, v3} {
		prev := -1
		for slot := 0; slot < numSlots; slot++ {
			if !lay.isData(slot) {
				continue
			}
			ch := lay.Channel(slot)
			if ch <= prev {
				t.Fatalf("roc v%d: channel(%d)=%d not above previous %d",
					lay.ROCVersion, slot, ch, prev)
			}
			prev = ch
		}
		if got, want := prev, MaxChannels-1; got != want {
			t.Fatalf("roc v%d: last channel: got=%d, want=%d", lay.ROCVersion, got, want)
		}
	}
}

func TestEventValidate(t *testing.T) {
	evt := NewEvent()
	evt.add(ElectronicsID{FPGA: 1, Link: 0, Channel: 0}, 0x1111)
	evt.add(ElectronicsID{FPGA: 1, Link: 0, Channel: 1}, 0x2222)
	evt.add(ElectronicsID{FPGA: 1, Link: 0, Channel: 1}, 0x3333)

	err := evt.Validate()
	if err == nil {
		t.Fatalf("expected a sample count mismatch")
	}
	want := "hgcroc: channel (1,0,1) has 2 samples, want 1"
	if got := err.Error(); got != want {
		t.Fatalf("invalid error:\ngot: %s\nwant:%s\n", got, want)
	}
}

func TestElectronicsID(t *testing.T) {
	id := ElectronicsID{FPGA: 5, Link: 63, Channel: 35}
	if got, want := ElectronicsIDFrom(id.Raw()), id; got != want {
		t.Fatalf("raw round-trip failed: got=%v, want=%v", got, want)
	}

	lo := ElectronicsID{FPGA: 1, Link: 2, Channel: 35}
	hi := ElectronicsID{FPGA: 1, Link: 3, Channel: 0}
	if lo.Raw() >= hi.Raw() {
		t.Fatalf("raw IDs do not order like (fpga, link, channel)")
	}
}
