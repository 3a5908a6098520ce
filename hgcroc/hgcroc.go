// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hgcroc holds functions to decode the raw data streamed by
// the HGCROC front-end chips through a Polarfire FPGA.
package hgcroc // import "github.com/ldmx-daq/polarfire/hgcroc"

import (
	"sort"

	"golang.org/x/exp/maps"
	"golang.org/x/xerrors"
)

// ElectronicsID addresses one hardware readout path: the Polarfire
// FPGA that framed the data, the elink it came over and the logical
// channel on that elink. It identifies electronics, not a detector
// location; translating to the latter is the job of a detector map.
type ElectronicsID struct {
	FPGA    uint8 // 0-255
	Link    uint8 // 0-63
	Channel uint8 // 0-35
}

// Raw returns the packed form of the ID. Packed IDs order the same
// way as the (fpga, link, channel) tuple.
func (id ElectronicsID) Raw() uint32 {
	return uint32(id.FPGA)<<12 | uint32(id.Link)<<6 | uint32(id.Channel)
}

// ElectronicsIDFrom unpacks a raw electronics ID.
func ElectronicsIDFrom(raw uint32) ElectronicsID {
	return ElectronicsID{
		FPGA:    uint8(raw >> 12),
		Link:    uint8(raw >> 6 & 0x3f),
		Channel: uint8(raw & 0x3f),
	}
}

// Sample is one raw 32-bit word read out for one channel in one
// bunch. Its internal layout is left to downstream reconstruction.
type Sample uint32

// EventHeader is the decoded per-acquisition header.
// The Spill through Min fields are only filled by DAQ format v2.
type EventHeader struct {
	Version  uint32
	FPGA     uint32
	NSamples uint32

	// EventLength is the declared event length in 32-bit words,
	// after the v2 64-bit-word doubling.
	EventLength int

	Spill  uint32
	Ticks  uint32 // 5 MHz ticks since the start of spill
	Bunch  uint32
	Number uint32 // event number according to the Polarfire
	Run    uint32
	Day    uint32 // day of month the run started
	Month  uint32
	Hour   uint32
	Min    uint32

	// GoodLinkHeader and GoodLinkTrailer record, per elink, whether
	// the ROC header word matched its fixed pattern and whether the
	// link trailer check passed. Both are sized to the link count of
	// the most recently decoded bunch frame.
	GoodLinkHeader  []bool
	GoodLinkTrailer []bool
}

// Event is one decoded acquisition: the event header plus the
// samples of every channel, re-sorted from the by-bunch order the
// hardware streams to a by-channel map.
//
// A single Event may accumulate the output of several Decode calls
// when one acquisition is split across multiple source buffers: the
// header scalars are overwritten and the channel map is extended.
type Event struct {
	Header  EventHeader
	samples map[ElectronicsID][]Sample
}

// NewEvent returns an empty Event ready to be decoded into.
func NewEvent() *Event {
	return &Event{samples: make(map[ElectronicsID][]Sample)}
}

// Samples returns the ordered sample sequence of the given channel,
// one Sample per bunch, or false if the channel was not read out.
func (evt *Event) Samples(id ElectronicsID) ([]Sample, bool) {
	s, ok := evt.samples[id]
	return s, ok
}

// IDs returns the IDs of all channels read out, sorted by
// (fpga, link, channel).
func (evt *Event) IDs() []ElectronicsID {
	ids := maps.Keys(evt.samples)
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Raw() < ids[j].Raw()
	})
	return ids
}

// NumChannels returns the number of channels read out.
func (evt *Event) NumChannels() int {
	return len(evt.samples)
}

// SamplesPerChannel returns the number of samples of the first
// channel, or 0 for an empty event. Use Validate to check that all
// channels agree on that number.
func (evt *Event) SamplesPerChannel() int {
	for _, s := range evt.samples {
		return len(s)
	}
	return 0
}

// Validate checks that every channel carries the same number of
// samples. Channels dropping in or out across bunches point at a
// corrupted readout map upstream.
func (evt *Event) Validate() error {
	want := -1
	for _, id := range evt.IDs() {
		n := len(evt.samples[id])
		switch {
		case want < 0:
			want = n
		case n != want:
			return xerrors.Errorf(
				"hgcroc: channel (%d,%d,%d) has %d samples, want %d",
				id.FPGA, id.Link, id.Channel, n, want,
			)
		}
	}
	return nil
}

func (evt *Event) add(id ElectronicsID, s Sample) {
	if evt.samples == nil {
		evt.samples = make(map[ElectronicsID][]Sample)
	}
	evt.samples[id] = append(evt.samples[id], s)
}
