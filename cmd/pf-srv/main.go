// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pf-srv starts a TDAQ server publishing decoded Polarfire
// events.
//
// The server watches a spool directory for the raw files the DAQ
// writes, decodes them and publishes one frame per event on its
// /events output endpoint. Its behaviour is driven by a YAML
// configuration file, passed as the first positional argument.
package main // import "github.com/ldmx-daq/polarfire/cmd/pf-srv"

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/ldmx-daq/polarfire/detmap"
	"github.com/ldmx-daq/polarfire/hgcroc"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type config struct {
	SpoolDir string    `yaml:"spoolDir"`
	ROC      int       `yaml:"roc"`
	DetMap   string    `yaml:"detmap"`
	Logs     logConfig `yaml:"logs"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("could not open config file: %w", err)
	}
	defer f.Close()

	err = yaml.NewDecoder(f).Decode(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("could not decode config file: %w", err)
	}

	if cfg.SpoolDir == "" {
		return cfg, fmt.Errorf("no spool directory configured")
	}
	if cfg.ROC == 0 {
		cfg.ROC = 2
	}
	if cfg.Logs.Directory == "" {
		cfg.Logs.Directory = filepath.Join(cfg.SpoolDir, "logs")
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return cfg, nil
}

func main() {
	log.SetPrefix("pf-srv: ")
	log.SetFlags(0)

	cmd := flags.New()
	if len(cmd.Args) == 0 {
		log.Fatalf("missing path to config file")
	}

	cfg, err := loadConfig(cmd.Args[0])
	if err != nil {
		log.Fatalf("could not load config: %+v", err)
	}

	err = os.MkdirAll(cfg.Logs.Directory, 0o755)
	if err != nil {
		log.Fatalf("could not create log dir: %+v", err)
	}

	w := io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "pf-srv.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	})

	dev := device{cfg: cfg}

	srv := tdaq.New(cmd, w)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/events", dev.events)

	srv.RunHandle(dev.run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type device struct {
	cfg config

	lay  hgcroc.ChipLayout
	dmap *detmap.Map

	n    int // events published since /init
	seen map[string]bool
	data chan []byte
}

func (dev *device) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	lay, err := hgcroc.NewChipLayout(dev.cfg.ROC)
	if err != nil {
		return fmt.Errorf("could not create chip layout: %w", err)
	}
	dev.lay = lay

	if dev.cfg.DetMap != "" {
		f, err := os.Open(dev.cfg.DetMap)
		if err != nil {
			return fmt.Errorf("could not open detector map: %w", err)
		}
		defer f.Close()

		dev.dmap, err = detmap.ReadCSV(f)
		if err != nil {
			return fmt.Errorf("could not read detector map: %w", err)
		}
	}
	return nil
}

func (dev *device) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	dev.seen = make(map[string]bool)
	dev.data = make(chan []byte, 1024)
	dev.n = 0
	return nil
}

func (dev *device) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.seen = make(map[string]bool)
	dev.data = make(chan []byte, 1024)
	dev.n = 0
	return nil
}

func (dev *device) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return nil
}

func (dev *device) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	n := dev.n
	ctx.Msg.Debugf("received /stop command... -> n=%d", n)
	return nil
}

func (dev *device) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return nil
}

func (dev *device) events(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

func (dev *device) run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
			err := dev.scan(ctx)
			if err != nil {
				ctx.Msg.Errorf("could not scan spool dir: %+v", err)
			}
		}
		time.Sleep(1 * time.Second)
	}
}

// scan decodes the raw files that appeared in the spool directory
// since the last pass and queues their events for publication.
func (dev *device) scan(ctx tdaq.Context) error {
	fnames, err := filepath.Glob(filepath.Join(dev.cfg.SpoolDir, "*.raw"))
	if err != nil {
		return fmt.Errorf("could not list spool dir: %w", err)
	}

	for _, fname := range fnames {
		if dev.seen[fname] {
			continue
		}
		dev.seen[fname] = true

		ctx.Msg.Infof("decoding %q...", fname)
		err := dev.decode(ctx, fname)
		if err != nil {
			ctx.Msg.Errorf("could not decode %q: %+v", fname, err)
		}
	}
	return nil
}

func (dev *device) decode(ctx tdaq.Context, fname string) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open raw file: %w", err)
	}
	defer f.Close()

	dec := hgcroc.NewDecoder(dev.lay, f)
	for {
		evt := hgcroc.NewEvent()
		err := dec.Decode(evt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not decode event: %w", err)
		}

		select {
		case dev.data <- eventBody(evt, dev.dmap):
			dev.n++
		case <-ctx.Ctx.Done():
			return nil
		}
	}
}

// eventBody packs one decoded event into a frame body: the FPGA id,
// event number and channel count, then one record per channel with
// its key, sample count and samples, all little-endian 32-bit words.
func eventBody(evt *hgcroc.Event, dmap *detmap.Map) []byte {
	buf := new(bytes.Buffer)
	word := func(w uint32) {
		_ = binary.Write(buf, binary.LittleEndian, w)
	}

	type record struct {
		key     uint32
		samples []hgcroc.Sample
	}
	var recs []record
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
		recs = append(recs, record{key, samples})
	}

	word(evt.Header.FPGA)
	word(evt.Header.Number)
	word(uint32(len(recs)))
	for _, rec := range recs {
		word(rec.key)
		word(uint32(len(rec.samples)))
		for _, s := range rec.samples {
			word(uint32(s))
		}
	}
	return buf.Bytes()
}
