// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fileops

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// progress reports bytes transferred for one write or copy. On a terminal
// it redraws a single line; elsewhere it prints a line every quarter.
type progress struct {
	w       io.Writer
	label   string
	total   int64
	done    int64
	lastPct int
	tty     bool
}

func newProgress(w io.Writer, label string, total int64) *progress {
	if w == nil {
		return nil
	}
	p := &progress{w: w, label: label, total: total, lastPct: -1}
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		p.tty = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	return p
}

func (p *progress) add(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.done += int64(n)
	pct := 100
	if p.total > 0 {
		pct = int(p.done * 100 / p.total)
	}
	step := 25
	if p.tty {
		step = 1
	}
	if pct >= 100 || pct/step == p.lastPct/step {
		// the final line is left to finish
		return
	}
	p.print(pct)
}

func (p *progress) finish() {
	if p == nil {
		return
	}
	p.done = p.total
	p.print(100)
	if p.tty {
		fmt.Fprintln(p.w)
	}
}

func (p *progress) print(pct int) {
	p.lastPct = pct
	format := "%s: %s / %s (%d%%)\n"
	if p.tty {
		format = "\r%s: %s / %s (%d%%)"
	}
	fmt.Fprintf(p.w, format, p.label,
		humanize.IBytes(uint64(p.done)), humanize.IBytes(uint64(p.total)), pct)
}
