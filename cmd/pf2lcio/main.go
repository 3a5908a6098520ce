// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pf2lcio converts raw Polarfire data files to LCIO ones.
//
// Each input file is converted to its own LCIO file, one Polarfire
// FPGA per file the way the DAQ writes them. The run number is
// inferred from the file name unless overridden with -run.
package main // import "github.com/ldmx-daq/polarfire/cmd/pf2lcio"

import (
	"compress/flate"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"go-hep.org/x/hep/lcio"

	"github.com/ldmx-daq/polarfire/detmap"
	"github.com/ldmx-daq/polarfire/hgcroc"
	"github.com/ldmx-daq/polarfire/internal/xcnv"
)

var (
	msg = log.New(os.Stdout, "pf2lcio: ", 0)
)

func main() {
	var (
		oname = flag.String("o", "", "path to output LCIO file (single input file only)")
		compr = flag.Int("lvl", flate.DefaultCompression, "compression level for output LCIO files")
		roc   = flag.Int("roc", 2, "HGCROC generation that produced the data (2 or 3)")
		run   = flag.Int("run", -1, "run number (default: inferred from the file name)")
		dmap  = flag.String("detmap", "", "path to a CSV detector map; channels are keyed by detector ID when given")
	)

	flag.Usage = func() {
		fmt.Printf(`Usage: pf2lcio [OPTIONS] file1.raw [file2.raw [...]]

ex:
 $> pf2lcio -lvl=9 -detmap=./hcal.csv ./fpga_0_run_63.raw ./fpga_1_run_63.raw

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		msg.Fatalf("missing input raw file")
	}

	if *oname != "" && flag.NArg() != 1 {
		flag.Usage()
		msg.Fatalf("-o is only valid with a single input file")
	}

	var g errgroup.Group
	for _, fname := range flag.Args() {
		fname := fname
		oname := *oname
		if oname == "" {
			oname = fname + ".lcio"
		}
		g.Go(func() error {
			return process(oname, *compr, *roc, int32(*run), *dmap, fname)
		})
	}

	err := g.Wait()
	if err != nil {
		msg.Fatalf("could not convert raw file: %+v", err)
	}
}

func process(oname string, lvl, roc int, run int32, dmapPath, fname string) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open raw file: %w", err)
	}
	defer f.Close()

	if run < 0 {
		run, err = runNbrFrom(fname)
		if err != nil {
			return fmt.Errorf("could not infer run from %q: %w", fname, err)
		}
	}

	var dm *detmap.Map
	if dmapPath != "" {
		df, err := os.Open(dmapPath)
		if err != nil {
			return fmt.Errorf("could not open detector map: %w", err)
		}
		defer df.Close()

		dm, err = detmap.ReadCSV(df)
		if err != nil {
			return fmt.Errorf("could not read detector map: %w", err)
		}
	}

	lay, err := hgcroc.NewChipLayout(roc)
	if err != nil {
		return fmt.Errorf("could not create chip layout: %w", err)
	}

	w, err := lcio.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create output LCIO file: %w", err)
	}
	defer w.Close()

	w.SetCompressionLevel(lvl)

	err = xcnv.PF2LCIO(w, hgcroc.NewDecoder(lay, f), run, dm, msg)
	if err != nil {
		return fmt.Errorf("could not convert %q to LCIO: %w", fname, err)
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not close output LCIO file: %w", err)
	}

	return nil
}

func runNbrFrom(fname string) (int32, error) {
	var (
		name = filepath.Base(fname)
		fpga int32
		run  int32
	)
	_, err := fmt.Sscanf(name, "fpga_%d_run_%d.raw", &fpga, &run)
	return run, err
}
