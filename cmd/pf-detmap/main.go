// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pf-detmap exports a detector channel map from the
// conditions database as a CSV file.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/ldmx-daq/polarfire/detmap"
)

const dbname = "ldmxcond"

func main() {
	log.SetPrefix("pf-detmap: ")
	log.SetFlags(0)

	var (
		oname = flag.String("o", "", "path to output CSV file (default: stdout)")
	)

	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("missing detector name")
	}
	detector := flag.Arg(0)

	db, err := detmap.Open(dbname)
	if err != nil {
		log.Fatalf("could not open conditions db: %+v", err)
	}
	defer db.Close()

	var w io.Writer = os.Stdout
	if *oname != "" {
		f, err := os.Create(*oname)
		if err != nil {
			log.Fatalf("could not create output file: %+v", err)
		}
		defer f.Close()
		w = f
	}

	err = export(w, db, detector)
	if err != nil {
		log.Fatalf("could not export channel map: %+v", err)
	}
}

func export(w io.Writer, db *detmap.DB, detector string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := db.DetectorMap(ctx, detector)
	if err != nil {
		return err
	}

	log.Printf("detector: %q", detector)
	log.Printf("channels: %d", m.Len())

	return m.WriteCSV(w)
}
