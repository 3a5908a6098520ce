// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// pf-dump decodes and displays raw Polarfire data files.
//
// Usage: pf-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> pf-dump ./testdata/fpga_1_run_63.raw
//	=== POLARFIRE 0x01 ===
//	DAQ version:          2
//	Samples:              2
//	Evt length:          37
//	Spill:               12
//	Ticks:             4660
//	Event:              100
//	Run:                 63 (started 14/09 10:30)
//	Channels:             2
//	  chan=(  1,  0,  1) 00000101 00000101
//	  chan=(  1,  0,  2) 00000102 00000102
//	[...]
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/ldmx-daq/polarfire/hgcroc"
)

func main() {
	log.SetPrefix("pf-dump: ")
	log.SetFlags(0)

	xmain(os.Stdout, os.Args[1:])
}

func xmain(w io.Writer, args []string) {
	fset := flag.NewFlagSet("pf-dump", flag.ExitOnError)
	roc := fset.Int("roc", 2, "HGCROC generation that produced the data (2 or 3)")

	fset.Usage = func() {
		fmt.Printf(`pf-dump decodes and displays raw Polarfire data files.

Usage: pf-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> pf-dump ./testdata/fpga_1_run_63.raw
 === POLARFIRE 0x01 ===
 DAQ version:          2
 Samples:              2
 Evt length:          37
 Spill:               12
 Ticks:             4660
 Event:              100
 Run:                 63 (started 14/09 10:30)
 Channels:             2
   chan=(  1,  0,  1) 00000101 00000101
   chan=(  1,  0,  2) 00000102 00000102
 [...]

`)
		fset.PrintDefaults()
	}

	_ = fset.Parse(args)

	if fset.NArg() == 0 {
		fset.Usage()
		log.Fatalf("missing path to input raw file")
	}

	for _, fname := range fset.Args() {
		err := process(w, fname, *roc)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, roc int) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	lay, err := hgcroc.NewChipLayout(roc)
	if err != nil {
		return fmt.Errorf("could not create chip layout: %w", err)
	}

	dec := hgcroc.NewDecoder(lay, f)
	dec.Msg = log.Default()
loop:
	for {
		evt := hgcroc.NewEvent()
		err := dec.Decode(evt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break loop
			}
			return fmt.Errorf("could not decode event: %w", err)
		}

		hdr := evt.Header
		fmt.Fprintf(wbuf, "=== POLARFIRE 0x%02x ===\n", hdr.FPGA)
		fmt.Fprintf(wbuf, "DAQ version: % 10d\n", hdr.Version)
		fmt.Fprintf(wbuf, "Samples:     % 10d\n", hdr.NSamples)
		fmt.Fprintf(wbuf, "Evt length:  % 10d\n", hdr.EventLength)
		if hdr.Version == 2 {
			fmt.Fprintf(wbuf, "Spill:       % 10d\n", hdr.Spill)
			fmt.Fprintf(wbuf, "Ticks:       % 10d\n", hdr.Ticks)
			fmt.Fprintf(wbuf, "Event:       % 10d\n", hdr.Number)
			fmt.Fprintf(wbuf, "Run:         % 10d (started %02d/%02d %02d:%02d)\n",
				hdr.Run, hdr.Day, hdr.Month, hdr.Hour, hdr.Min,
			)
		}
		fmt.Fprintf(wbuf, "Channels:    % 10d\n", evt.NumChannels())

		for _, id := range evt.IDs() {
			samples, _ := evt.Samples(id)
			fmt.Fprintf(wbuf, "  chan=(%3d,%3d,%3d)", id.FPGA, id.Link, id.Channel)
			for _, s := range samples {
				fmt.Fprintf(wbuf, " %08x", uint32(s))
			}
			fmt.Fprintf(wbuf, "\n")
		}
	}

	return nil
}
