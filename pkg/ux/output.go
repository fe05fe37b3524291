// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders CLI output: styled for terminals, tab-separated for
// scripts.
package ux

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/charmbracelet/lipgloss"
)

var (
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#2C4A54")
	ColorTitle   = lipgloss.Color("#20B9B4")
)

// Styles holds the lipgloss styles used by Printer.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTitle),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTitle).
		Padding(0, 1),
}

// Icon is a status marker printed before a line.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon in its status color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// machineWord is the Icon spelled out for machine output.
func (i Icon) machineWord() string {
	switch i {
	case IconSuccess:
		return "OK"
	case IconWarning:
		return "WARN"
	case IconError:
		return "ERROR"
	case IconPending:
		return "PENDING"
	default:
		return string(i)
	}
}

// Printer writes CLI output. In machine mode every line is plain and
// tab-separated, for scripts.
type Printer struct {
	out     io.Writer
	errOut  io.Writer
	machine bool
}

// NewPrinter returns a printer writing results to out and warnings and
// errors to errOut.
func NewPrinter(out, errOut io.Writer, machine bool) *Printer {
	return &Printer{out: out, errOut: errOut, machine: machine}
}

// Machine reports whether p prints machine output.
func (p *Printer) Machine() bool { return p.machine }

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	p.line(p.out, IconSuccess, Styles.Success, fmt.Sprintf(format, args...))
}

// Warning prints a warning line to errOut.
func (p *Printer) Warning(format string, args ...any) {
	p.line(p.errOut, IconWarning, Styles.Warning, fmt.Sprintf(format, args...))
}

// Error prints an error line to errOut.
func (p *Printer) Error(err error) {
	p.line(p.errOut, IconError, Styles.Error, err.Error())
}

func (p *Printer) line(w io.Writer, icon Icon, style lipgloss.Style, text string) {
	if p.machine {
		fmt.Fprintf(w, "%s\t%s\n", icon.machineWord(), text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", icon.Render(), style.Render(text))
}

// FileStatus prints one affected path.
func (p *Printer) FileStatus(path string, status Icon, reason string) {
	switch {
	case p.machine:
		fmt.Fprintf(p.out, "%s\t%s\t%s\n", status.machineWord(), path, reason)
	case reason != "":
		fmt.Fprintf(p.out, "%s %s %s\n", status.Render(), path, Styles.Muted.Render("("+reason+")"))
	default:
		fmt.Fprintf(p.out, "%s %s\n", status.Render(), path)
	}
}

// Summary prints audit totals.
func (p *Printer) Summary(s audit.Summary) {
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	if p.machine {
		fmt.Fprintf(p.out, "SUMMARY\ttotal=%d\tok=%d\tfailed=%d\tpending=%d\tfiles=%d\n",
			s.TotalOperations, s.SuccessfulOperations, s.FailedOperations, s.PendingOperations, s.FilesAffected)
		for _, k := range kinds {
			fmt.Fprintf(p.out, "KIND\t%s\t%d\n", k, s.ByKind[audit.Kind(k)])
		}
		return
	}

	var b strings.Builder
	b.WriteString(Styles.Title.Render("Audit summary") + "\n")
	fmt.Fprintf(&b, "%s %s  %s %s  %s %s  %s %s\n",
		Styles.Bold.Render(fmt.Sprint(s.TotalOperations)), Styles.Muted.Render("total"),
		Styles.Success.Render(fmt.Sprint(s.SuccessfulOperations)), Styles.Muted.Render("ok"),
		Styles.Error.Render(fmt.Sprint(s.FailedOperations)), Styles.Muted.Render("failed"),
		Styles.Warning.Render(fmt.Sprint(s.PendingOperations)), Styles.Muted.Render("pending"),
	)
	fmt.Fprintf(&b, "%d files affected", s.FilesAffected)
	for _, k := range kinds {
		fmt.Fprintf(&b, "\n  %-12s %d", k, s.ByKind[audit.Kind(k)])
	}
	fmt.Fprintln(p.out, Styles.Box.Render(b.String()))
}

// Records prints audit records as a table, oldest first.
func (p *Printer) Records(records []audit.Record) {
	var w io.Writer = p.out
	var tw *tabwriter.Writer
	if !p.machine {
		tw = tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
		w = tw
		fmt.Fprintln(tw, "TIME\tKIND\tSTATUS\tPATH\tBATCH\tERROR")
	}
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), r.Kind, r.Status, r.Path, r.Batch, r.Error)
	}
	if tw != nil {
		_ = tw.Flush()
	}
}
