package timing

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SkipReason explains why a label, or some of its pairs, contributed no
// duration to the report.
type SkipReason string

const (
	// SkipNone means the label paired cleanly.
	SkipNone SkipReason = ""
	// SkipOddCount means the label had an odd number of start/stop events
	// and was dropped entirely rather than reported as a misleading partial.
	SkipOddCount SkipReason = "odd event count"
	// SkipOutOfOrder means one or more consecutive pairs were not in
	// (start, stop) order; those pairs added no duration.
	SkipOutOfOrder SkipReason = "out-of-order pair"
)

// LabelResult is the per-label outcome of report generation. It makes the
// silent-drop policy of the rendered text observable: callers that care
// about coverage can check Skipped and SkippedPairs instead of inferring
// from an absent line.
type LabelResult struct {
	Label        string
	Total        time.Duration
	Pairs        int // matched (start, stop) pairs
	SkippedPairs int // consecutive pairs not in (start, stop) order
	Skipped      bool
	Reason       SkipReason
}

// Report is a derived, read-only view over a recorder's log. It holds no
// state of its own and is recomputed from scratch on each call to
// Recorder.Report, so generating it twice without intervening records
// yields identical results.
type Report struct {
	Results []LabelResult // sorted by label ascending
}

// Report pairs the recorded events per label and sums elapsed time.
//
// Events with the unpaired marker phase are excluded before pairing. A label
// with an odd number of start/stop events is skipped whole. Otherwise the
// label's events are sorted by timestamp (ties order start before stop, as
// the alternation expects) and walked in consecutive pairs; each (start,
// stop) pair accumulates stop−start, and any other ordering is counted as a
// skipped pair with no duration and no error.
func (r *Recorder) Report() *Report {
	groups := make(map[string][]Event)
	labels := make([]string, 0)
	for _, ev := range r.events {
		if ev.Phase != PhaseStart && ev.Phase != PhaseStop {
			continue
		}
		if _, seen := groups[ev.Label]; !seen {
			labels = append(labels, ev.Label)
		}
		groups[ev.Label] = append(groups[ev.Label], ev)
	}
	sort.Strings(labels)

	rep := &Report{Results: make([]LabelResult, 0, len(labels))}
	for _, label := range labels {
		rep.Results = append(rep.Results, reduceGroup(label, groups[label]))
	}
	return rep
}

func reduceGroup(label string, events []Event) LabelResult {
	res := LabelResult{Label: label}

	if len(events)%2 == 1 {
		res.Skipped = true
		res.Reason = SkipOddCount
		return res
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].At.Equal(events[j].At) {
			return events[i].At.Before(events[j].At)
		}
		return phaseRank(events[i].Phase) < phaseRank(events[j].Phase)
	})

	for i := 0; i+1 < len(events); i += 2 {
		if events[i].Phase == PhaseStart && events[i+1].Phase == PhaseStop {
			res.Total += events[i+1].At.Sub(events[i].At)
			res.Pairs++
		} else {
			res.SkippedPairs++
			res.Reason = SkipOutOfOrder
		}
	}
	return res
}

func phaseRank(p Phase) int {
	switch p {
	case PhaseStart:
		return 0
	case PhaseStop:
		return 1
	default:
		return 2
	}
}

// Line renders one report line for a label.
func (lr LabelResult) Line() string {
	return fmt.Sprintf("%s: %.1f seconds", lr.Label, lr.Total.Seconds())
}

// String renders the report as newline-joined per-label lines sorted by
// label. Skipped labels and labels with zero matched pairs produce no line.
func (rep *Report) String() string {
	lines := make([]string, 0, len(rep.Results))
	for _, lr := range rep.Results {
		if lr.Skipped || lr.Pairs == 0 {
			continue
		}
		lines = append(lines, lr.Line())
	}
	return strings.Join(lines, "\n")
}

// Result looks up the outcome for one label.
func (rep *Report) Result(label string) (LabelResult, bool) {
	for _, lr := range rep.Results {
		if lr.Label == label {
			return lr, true
		}
	}
	return LabelResult{}, false
}
