// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package detmap translates electronics IDs into detector IDs, using
// the mapping recorded in the conditions database for a given
// detector geometry.
package detmap // import "github.com/ldmx-daq/polarfire/detmap"

import (
	"context"
	"fmt"
	"sort"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"golang.org/x/exp/maps"

	"github.com/ldmx-daq/polarfire/hgcroc"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// DetectorID is the packed detector-addressed identity of one
// readout channel. Its bit layout belongs to the detector
// description, not to this package.
type DetectorID uint32

// Map translates electronics IDs into detector IDs. Channels absent
// from the map are real: un-zero-suppressed test beam data reads out
// channels that are not connected to anything.
type Map struct {
	eids map[hgcroc.ElectronicsID]DetectorID
}

// Exists reports whether the given channel is connected to a
// detector location.
func (m *Map) Exists(id hgcroc.ElectronicsID) bool {
	_, ok := m.eids[id]
	return ok
}

// Translate returns the detector ID of the given channel, or false
// if the channel is not connected.
func (m *Map) Translate(id hgcroc.ElectronicsID) (DetectorID, bool) {
	did, ok := m.eids[id]
	return did, ok
}

// Len returns the number of connected channels.
func (m *Map) Len() int { return len(m.eids) }

// IDs returns all connected channels, sorted by (fpga, link, channel).
func (m *Map) IDs() []hgcroc.ElectronicsID {
	ids := maps.Keys(m.eids)
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Raw() < ids[j].Raw()
	})
	return ids
}

// DB exposes convenience methods to retrieve detector mapping data
// from the conditions database.
type DB struct {
	db   *sqlx.DB
	name string
}

// Open opens a connection to the conditions database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sqlx.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("detmap: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("detmap: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sqlx.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("detmap: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

type channelRow struct {
	FPGA    uint8  `db:"fpga"`
	Link    uint8  `db:"elink"`
	Channel uint8  `db:"channel"`
	DetID   uint32 `db:"detid"`
}

// DetectorMap retrieves the electronics-to-detector mapping of the
// given detector geometry.
func (db *DB) DetectorMap(ctx context.Context, detector string) (*Map, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryxContext(ctx,
		"SELECT fpga, elink, channel, detid FROM channel_map WHERE detector = ?",
		detector,
	)
	if err != nil {
		return nil, fmt.Errorf("detmap: could not query channel map for %q: %w", detector, err)
	}
	defer rows.Close()

	m := &Map{eids: make(map[hgcroc.ElectronicsID]DetectorID)}
	for rows.Next() {
		var row channelRow
		err = rows.StructScan(&row)
		if err != nil {
			return nil, fmt.Errorf("detmap: could not scan channel map row: %w", err)
		}
		eid := hgcroc.ElectronicsID{FPGA: row.FPGA, Link: row.Link, Channel: row.Channel}
		m.eids[eid] = DetectorID(row.DetID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("detmap: could not iterate channel map rows: %w", err)
	}

	if m.Len() == 0 {
		return nil, fmt.Errorf("detmap: no channel map for detector %q", detector)
	}

	return m, nil
}
