// Copyright 2022 The ldmx-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcnv provides tools to convert raw Polarfire data to LCIO.
package xcnv // import "github.com/ldmx-daq/polarfire/internal/xcnv"
