// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detmap

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ldmx-daq/polarfire/hgcroc"
)

// ReadCSV reads a channel map from r, one "fpga,elink,channel,detid"
// record per line. Test beam maps were distributed as such text
// files before they were loaded into the conditions database.
// Lines starting with '#' and a single header line are skipped.
func ReadCSV(r io.Reader) (*Map, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 4

	m := &Map{eids: make(map[hgcroc.ElectronicsID]DetectorID)}
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("detmap: could not read channel map record: %w", err)
		}
		if line == 1 && !isNumeric(rec[0]) {
			continue // header line
		}

		var vs [4]uint64
		for i, s := range rec {
			vs[i], err = strconv.ParseUint(strings.TrimSpace(s), 0, 32)
			if err != nil {
				return nil, fmt.Errorf("detmap: invalid channel map field %q on line %d: %w",
					s, line, err)
			}
		}

		eid := hgcroc.ElectronicsID{
			FPGA:    uint8(vs[0]),
			Link:    uint8(vs[1]),
			Channel: uint8(vs[2]),
		}
		if _, dup := m.eids[eid]; dup {
			return nil, fmt.Errorf("detmap: duplicate channel (%d,%d,%d) on line %d",
				eid.FPGA, eid.Link, eid.Channel, line)
		}
		m.eids[eid] = DetectorID(vs[3])
	}

	return m, nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	return err == nil
}

// WriteCSV writes the channel map to w in the format ReadCSV reads,
// channels sorted by (fpga, link, channel).
func (m *Map) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	for _, id := range m.IDs() {
		err := cw.Write([]string{
			strconv.Itoa(int(id.FPGA)),
			strconv.Itoa(int(id.Link)),
			strconv.Itoa(int(id.Channel)),
			fmt.Sprintf("0x%08x", uint32(m.eids[id])),
		})
		if err != nil {
			return fmt.Errorf("detmap: could not write channel map record: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("detmap: could not flush channel map: %w", err)
	}
	return nil
}
