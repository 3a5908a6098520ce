// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xcnv

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go-hep.org/x/hep/lcio"

	"github.com/ldmx-daq/polarfire/detmap"
	"github.com/ldmx-daq/polarfire/hgcroc"
)

func TestPF2LCIO(t *testing.T) {
	tmp, err := os.MkdirTemp("", "pf-xcnv-")
	if err != nil {
		t.Fatalf("could not create tmp dir: %+v", err)
	}
	defer os.RemoveAll(tmp)

	lay, err := hgcroc.NewChipLayout(2)
	if err != nil {
		t.Fatalf("could not create chip layout: %+v", err)
	}

	link := hgcroc.LinkFrame{
		ROC: 0x0123,
		Words: map[int]uint32{
			0:  0xaa012345, // ROC header
			2:  0x00000101, // channel 1
			3:  0x00000102, // channel 2
			19: 0x00000c00, // common mode
		},
	}
	acqs := []hgcroc.Acquisition{
		{
			Version: 2,
			FPGA:    1,
			Spill:   12, Ticks: 0x1234, Bunch: 42,
			Number: 100, Run: 63,
			Day: 14, Month: 9, Hour: 10, Min: 30,
			Frames: []hgcroc.SampleFrame{
				{BX: 10, RReq: 1, Orbit: 2, Links: []hgcroc.LinkFrame{link}},
				{BX: 11, RReq: 1, Orbit: 2, Links: []hgcroc.LinkFrame{link}},
			},
		},
		{
			Version: 2,
			FPGA:    1,
			Spill:   12, Ticks: 0x1240, Bunch: 43,
			Number: 101, Run: 63,
			Day: 14, Month: 9, Hour: 10, Min: 30,
			Frames: []hgcroc.SampleFrame{
				{BX: 20, RReq: 2, Orbit: 3, Links: []hgcroc.LinkFrame{link}},
			},
		},
	}

	raw := new(bytes.Buffer)
	enc := hgcroc.NewEncoder(lay, raw)
	for i := range acqs {
		err = enc.Encode(&acqs[i])
		if err != nil {
			t.Fatalf("could not encode acquisition %d: %+v", i, err)
		}
	}

	dmap, err := detmap.ReadCSV(strings.NewReader(
		"1,0,1,0x14004041\n",
	))
	if err != nil {
		t.Fatalf("could not read detector map: %+v", err)
	}

	for _, tc := range []struct {
		name string
		dmap *detmap.Map
		keys []int32           // channel keys, in order
		data map[int32][]int32 // key -> samples of event 0
	}{
		{
			name: "electronics-ids",
			keys: []int32{
				int32(hgcroc.ElectronicsID{FPGA: 1, Link: 0, Channel: 1}.Raw()),
				int32(hgcroc.ElectronicsID{FPGA: 1, Link: 0, Channel: 2}.Raw()),
			},
			data: map[int32][]int32{
				int32(hgcroc.ElectronicsID{FPGA: 1, Link: 0, Channel: 1}.Raw()): {0x101, 0x101},
				int32(hgcroc.ElectronicsID{FPGA: 1, Link: 0, Channel: 2}.Raw()): {0x102, 0x102},
			},
		},
		{
			name: "detector-ids",
			dmap: dmap,
			keys: []int32{0x14004041},
			data: map[int32][]int32{
				0x14004041: {0x101, 0x101},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const run = 63
			msg := log.New(os.Stdout, "", 0)

			fname := filepath.Join(tmp, tc.name+".lcio")
			w, err := lcio.Create(fname)
			if err != nil {
				t.Fatalf("could not create LCIO file: %+v", err)
			}
			defer w.Close()

			dec := hgcroc.NewDecoder(lay, bytes.NewReader(raw.Bytes()))
			err = PF2LCIO(w, dec, run, tc.dmap, msg)
			if err != nil {
				t.Fatalf("could not convert to LCIO: %+v", err)
			}
			err = w.Close()
			if err != nil {
				t.Fatalf("could not close LCIO file: %+v", err)
			}

			r, err := lcio.Open(fname)
			if err != nil {
				t.Fatalf("could not open LCIO file: %+v", err)
			}
			defer r.Close()

			var nevts int
			for r.Next() {
				evt := r.Event()
				if got, want := evt.RunNumber, int32(run); got != want {
					t.Fatalf("evt %d: invalid run number: got=%d, want=%d", nevts, got, want)
				}
				if got, want := evt.EventNumber, int32(100+nevts); got != want {
					t.Fatalf("evt %d: invalid event number: got=%d, want=%d", nevts, got, want)
				}
				if got, want := evt.Params.Ints["Spill"], []int32{12}; !reflect.DeepEqual(got, want) {
					t.Fatalf("evt %d: invalid spill: got=%v, want=%v", nevts, got, want)
				}

				obj, ok := evt.Get("PolarfireRaw").(*lcio.GenericObject)
				if !ok {
					t.Fatalf("evt %d: no raw data collection", nevts)
				}
				if got, want := len(obj.Data), len(tc.keys); got != want {
					t.Fatalf("evt %d: invalid number of channels: got=%d, want=%d", nevts, got, want)
				}
				for i, data := range obj.Data {
					if got, want := data.I32s[0], tc.keys[i]; got != want {
						t.Fatalf("evt %d: channel %d: invalid key: got=0x%x, want=0x%x",
							nevts, i, got, want)
					}
					if nevts != 0 {
						continue
					}
					if got, want := data.I32s[1:], tc.data[tc.keys[i]]; !reflect.DeepEqual(got, want) {
						t.Fatalf("evt %d: channel %d: invalid samples: got=%v, want=%v",
							nevts, i, got, want)
					}
				}
				nevts++
			}
			if err := r.Err(); err != nil && err != io.EOF {
				t.Fatalf("could not read LCIO file: %+v", err)
			}

			if got, want := nevts, len(acqs); got != want {
				t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
			}
		})
	}
}
