// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xcnv

import (
	"errors"
	"fmt"
	"io"
	"log"

	"go-hep.org/x/hep/lcio"

	"github.com/ldmx-daq/polarfire/detmap"
	"github.com/ldmx-daq/polarfire/hgcroc"
)

// PF2LCIO decodes raw Polarfire data from dec and writes one LCIO
// event per acquisition to w. When dmap is non-nil, channels absent
// from the detector map are dropped and the remaining ones are keyed
// by detector ID instead of electronics ID.
func PF2LCIO(w *lcio.Writer, dec *hgcroc.Decoder, run int32, dmap *detmap.Map, msg *log.Logger) error {
loop:
	for i := 0; ; i++ {
		if i%100 == 0 {
			msg.Printf("processing evt %d...", i)
		}
		evt := hgcroc.NewEvent()
		err := dec.Decode(evt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break loop
			}
			return fmt.Errorf("could not decode polarfire data: %w", err)
		}

		if i == 0 {
			err = w.WriteRunHeader(&lcio.RunHeader{
				RunNumber: run,
				Detector:  "LDMX-HCal",
				Params: lcio.Params{
					Ints: map[string][]int32{
						"DAQVersion": {int32(evt.Header.Version)},
						"NSamples":   {int32(evt.Header.NSamples)},
					},
				},
			})
			if err != nil {
				return fmt.Errorf("could not write run header: %w", err)
			}
		}

		out := lcio.Event{
			RunNumber:   run,
			EventNumber: int32(evt.Header.Number),
			TimeStamp:   int64(evt.Header.Spill)<<32 | int64(evt.Header.Ticks),
			Detector:    "LDMX-HCal",
			Params: lcio.Params{
				Ints: map[string][]int32{
					"Version":         {int32(evt.Header.Version)},
					"FPGA":            {int32(evt.Header.FPGA)},
					"NSamples":        {int32(evt.Header.NSamples)},
					"Spill":           {int32(evt.Header.Spill)},
					"Ticks":           {int32(evt.Header.Ticks)},
					"Bunch":           {int32(evt.Header.Bunch)},
					"Run":             {int32(evt.Header.Run)},
					"GoodLinkHeader":  boolsToI32(evt.Header.GoodLinkHeader),
					"GoodLinkTrailer": boolsToI32(evt.Header.GoodLinkTrailer),
				},
			},
		}
		out.Add("PolarfireRaw", rawFrom(evt, dmap))

		err = w.WriteEvent(&out)
		if err != nil {
			return fmt.Errorf("could not write event %d: %w", i, err)
		}
	}

	return nil
}

// rawFrom packs the by-channel samples of evt into a generic-object
// collection, one object per channel: the channel key followed by
// its samples in bunch order.
func rawFrom(evt *hgcroc.Event, dmap *detmap.Map) *lcio.GenericObject {
	var raw lcio.GenericObject
	for _, id := range evt.IDs() {
		key := id.Raw()
		if dmap != nil {
			did, ok := dmap.Translate(id)
			if !ok {
				continue
			}
			key = uint32(did)
		}
		samples, _ := evt.Samples(id)
		i32s := make([]int32, 0, len(samples)+1)
		i32s = append(i32s, int32(key))
		for _, s := range samples {
			i32s = append(i32s, int32(s))
		}
		raw.Data = append(raw.Data, lcio.GenericObjectData{I32s: i32s})
	}
	return &raw
}

func boolsToI32(vs []bool) []int32 {
	out := make([]int32, len(vs))
	for i, v := range vs {
		if v {
			out[i] = 1
		}
	}
	return out
}
