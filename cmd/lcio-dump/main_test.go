// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-hep.org/x/hep/lcio"

	"github.com/ldmx-daq/polarfire/hgcroc"
	"github.com/ldmx-daq/polarfire/internal/xcnv"
)

func TestProcess(t *testing.T) {
	tmp, err := os.MkdirTemp("", "lcio-dump-")
	if err != nil {
		t.Fatalf("could not create tmp dir: %+v", err)
	}
	defer os.RemoveAll(tmp)

	lay, err := hgcroc.NewChipLayout(2)
	if err != nil {
		t.Fatalf("could not create chip layout: %+v", err)
	}

	raw := new(bytes.Buffer)
	err = hgcroc.NewEncoder(lay, raw).Encode(&hgcroc.Acquisition{
		Version: 2,
		FPGA:    1,
		Spill:   12, Ticks: 4660, Bunch: 42,
		Number: 100, Run: 63,
		Frames: []hgcroc.SampleFrame{
			{BX: 10, Links: []hgcroc.LinkFrame{
				{ROC: 0x0123, Words: map[int]uint32{
					0: 0xaa012345,
					2: 0x00000101,
					3: 0x00000102,
				}},
			}},
		},
	})
	if err != nil {
		t.Fatalf("could not encode acquisition: %+v", err)
	}

	fname := filepath.Join(tmp, "fpga_1_run_63.raw.lcio")
	w, err := lcio.Create(fname)
	if err != nil {
		t.Fatalf("could not create LCIO file: %+v", err)
	}
	defer w.Close()

	msg := log.New(os.Stdout, "", 0)
	err = xcnv.PF2LCIO(w, hgcroc.NewDecoder(lay, raw), 63, nil, msg)
	if err != nil {
		t.Fatalf("could not convert to LCIO: %+v", err)
	}
	err = w.Close()
	if err != nil {
		t.Fatalf("could not close LCIO file: %+v", err)
	}

	out := new(strings.Builder)
	err = process(out, fname)
	if err != nil {
		t.Fatalf("could not lcio-dump: %+v", err)
	}

	want := `=== run 63 event 100 ===
Spill:               12
Ticks:             4660
Bunch:               42
Channels:             2
  key=0x00001001 00000101
  key=0x00001002 00000102
`
	if got := out.String(); got != want {
		t.Fatalf("invalid lcio-dump output:\ngot:\n%s\nwant:\n%s\n", got, want)
	}
}
