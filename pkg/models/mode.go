package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode flags select which maintenance phases a run performs. The composite
// flags mirror the weekly batch shorthands the DBAs already use:
// cra = compress + rebuild + analyze, acra adds a leading analyze,
// aca = analyze + compress + analyze.
const (
	ModeCRA      = "cra"
	ModeACRA     = "acra"
	ModeACA      = "aca"
	ModeAnalyze  = "analyze"
	ModeCompress = "compress"
	ModeRebuild  = "rebuild"
	ModeReport   = "report"
	ModeBlock    = "block"
	ModeKick     = "kick"
)

var knownModes = map[string]bool{
	ModeCRA:      true,
	ModeACRA:     true,
	ModeACA:      true,
	ModeAnalyze:  true,
	ModeCompress: true,
	ModeRebuild:  true,
	ModeReport:   true,
	ModeBlock:    true,
	ModeKick:     true,
}

// ModeSet is a parsed, deduplicated set of mode flags.
type ModeSet map[string]bool

// ParseModes parses a list of mode flags, rejecting unknown ones. Flags are
// case-insensitive and surrounding whitespace is ignored.
func ParseModes(flags []string) (ModeSet, error) {
	set := make(ModeSet, len(flags))
	for _, f := range flags {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if !knownModes[f] {
			return nil, fmt.Errorf("unknown mode %q (valid: cra, acra, aca, analyze, compress, rebuild, report, block, kick)", f)
		}
		set[f] = true
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no modes given")
	}
	return set, nil
}

// List returns the flags in a stable order for logging and persistence.
func (m ModeSet) List() []string {
	out := make([]string, 0, len(m))
	for _, f := range []string{ModeACRA, ModeCRA, ModeACA, ModeAnalyze, ModeCompress, ModeRebuild, ModeReport, ModeBlock, ModeKick} {
		if m[f] {
			out = append(out, f)
		}
	}
	return out
}

// WantsDatasets reports whether the run needs the dataset inventory at all.
// A run that only produces a report does not touch the database.
func (m ModeSet) WantsDatasets() bool {
	return !(len(m) == 1 && m[ModeReport])
}

// WantsFirstAnalyze reports whether the optional pre-compress analyze runs.
// It can speed up the compress, but on large geodatabases it sometimes costs
// more than it saves, so it takes its own flags.
func (m ModeSet) WantsFirstAnalyze() bool {
	return m[ModeACRA] || m[ModeACA]
}

// WantsCompress reports whether storage compression runs.
func (m ModeSet) WantsCompress() bool {
	return m[ModeCRA] || m[ModeACRA] || m[ModeACA] || m[ModeCompress]
}

// WantsRebuild reports whether index rebuilding runs.
func (m ModeSet) WantsRebuild() bool {
	return m[ModeCRA] || m[ModeACRA] || m[ModeRebuild]
}

// WantsSecondAnalyze reports whether the post-compress analyze runs. Running
// analyze after the compress is the part that actually matters.
func (m ModeSet) WantsSecondAnalyze() bool {
	return m[ModeCRA] || m[ModeACRA] || m[ModeACA] || m[ModeAnalyze]
}

// WantsReport reports whether the timer report is compiled and logged.
func (m ModeSet) WantsReport() bool { return m[ModeReport] }

// WantsBlock reports whether new connections are refused for the duration.
func (m ModeSet) WantsBlock() bool { return m[ModeBlock] }

// WantsKick reports whether existing sessions are disconnected first.
func (m ModeSet) WantsKick() bool { return m[ModeKick] }

// ConnID extracts a short identifier from a connection string using the
// given pattern, for timer labels and report subjects. The first capture
// group wins (the whole match when there are no groups); if nothing matches,
// the connection string itself is returned.
func ConnID(pattern *regexp.Regexp, conn string) string {
	if pattern == nil {
		return conn
	}
	m := pattern.FindStringSubmatch(conn)
	if m == nil {
		return conn
	}
	if len(m) > 1 {
		return m[1]
	}
	return m[0]
}
