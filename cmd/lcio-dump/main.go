// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// lcio-dump displays Polarfire data embedded in LCIO files.
//
// Usage: lcio-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> lcio-dump ./testdata/fpga_1_run_63.raw.lcio
//	=== run 63 event 100 ===
//	Spill:               12
//	Ticks:             4660
//	Channels:             2
//	  key=0x00001001 00000101 00000101
//	  key=0x00001002 00000102 00000102
//	[...]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"go-hep.org/x/hep/lcio"
)

const usage = `lcio-dump displays Polarfire data embedded in LCIO files.

Usage: lcio-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> lcio-dump ./testdata/fpga_1_run_63.raw.lcio
 === run 63 event 100 ===
 Spill:               12
 Ticks:             4660
 Channels:             2
   key=0x00001001 00000101 00000101
   key=0x00001002 00000102 00000102
 [...]

`

func main() {
	xmain(os.Stdout, os.Args[1:])
}

func xmain(w io.Writer, args []string) {
	log.SetPrefix("lcio-dump: ")
	log.SetFlags(0)

	fset := flag.NewFlagSet("lcio", flag.ExitOnError)

	fset.Usage = func() {
		fmt.Print(usage)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse input arguments: %+v", err)
	}

	if fset.NArg() == 0 {
		fset.Usage()
		log.Fatalf("missing path to input LCIO file")
	}

	for _, fname := range fset.Args() {
		err := process(w, fname)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	r, err := lcio.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open LCIO file: %w", err)
	}
	defer r.Close()

	for r.Next() {
		evt := r.Event()
		fmt.Fprintf(wbuf, "=== run %d event %d ===\n", evt.RunNumber, evt.EventNumber)
		for _, name := range []string{"Spill", "Ticks", "Bunch"} {
			vs, ok := evt.Params.Ints[name]
			if !ok || len(vs) == 0 {
				continue
			}
			fmt.Fprintf(wbuf, "%-13s% 10d\n", name+":", vs[0])
		}

		obj, ok := evt.Get("PolarfireRaw").(*lcio.GenericObject)
		if !ok {
			fmt.Fprintf(wbuf, "Channels:             0\n")
			continue
		}
		fmt.Fprintf(wbuf, "Channels:    % 10d\n", len(obj.Data))
		for _, data := range obj.Data {
			if len(data.I32s) == 0 {
				continue
			}
			fmt.Fprintf(wbuf, "  key=0x%08x", uint32(data.I32s[0]))
			for _, s := range data.I32s[1:] {
				fmt.Fprintf(wbuf, " %08x", uint32(s))
			}
			fmt.Fprintf(wbuf, "\n")
		}
	}

	err = r.Err()
	if err != nil && err != io.EOF {
		return fmt.Errorf("could not read LCIO file: %w", err)
	}

	return nil
}
