package timing

import (
	"testing"
	"time"
)

// fakeClock returns a clock function that hands out the given instants in
// order, repeating the last one when exhausted.
func fakeClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[len(times)-1]
		if i < len(times) {
			t = times[i]
			i++
		}
		return t
	}
}

func at(sec float64) time.Time {
	base := time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(sec * float64(time.Second)))
}

func TestNormalizePhase(t *testing.T) {
	cases := []struct {
		in   string
		want Phase
	}{
		{"start", PhaseStart},
		{"stop", PhaseStop},
		{"", PhaseOther},
		{"Start", PhaseOther},
		{"pause", PhaseOther},
		{"other", PhaseOther},
	}
	for _, c := range cases {
		if got := NormalizePhase(c.in); got != c.want {
			t.Errorf("NormalizePhase(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRecordAppendsInOrder(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(1), at(2)))
	r.Record("compress", "start", "begin")
	r.Record("compress", "weird", "marker")
	r.Record("compress", "stop", "end")

	events := r.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Phase != PhaseOther {
		t.Errorf("invalid phase should normalize to other, got %q", events[1].Phase)
	}
	if events[0].Note != "begin" || events[2].Note != "end" {
		t.Errorf("notes not preserved: %q, %q", events[0].Note, events[2].Note)
	}

	// Events() must return a copy, not the backing log.
	events[0].Label = "mutated"
	if r.Events()[0].Label != "compress" {
		t.Error("Events() exposed the backing log")
	}
}

func TestFreshRecordersDoNotShareLogs(t *testing.T) {
	a := NewRecorder()
	b := NewRecorder()
	a.Record("x", "start", "")
	if b.Len() != 0 {
		t.Fatalf("recorder b saw %d events recorded on a", b.Len())
	}
}

// Property 1: reported duration is the exact sum across pairs, regardless of
// gaps between the pairs.
func TestReportSumsAllPairs(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(5), at(100), at(107)))
	r.Record("analyze", "start", "")
	r.Record("analyze", "stop", "")
	r.Record("analyze", "start", "")
	r.Record("analyze", "stop", "")

	res, ok := r.Report().Result("analyze")
	if !ok {
		t.Fatal("no result for analyze")
	}
	if res.Total != 12*time.Second {
		t.Errorf("total = %v, want 12s", res.Total)
	}
	if res.Pairs != 2 {
		t.Errorf("pairs = %d, want 2", res.Pairs)
	}
}

// Property 2: interleaved labels do not affect each other.
// Property 7: the concrete two-label scenario from the contract.
func TestReportLabelIsolation(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(2), at(5), at(9)))
	r.Record("build", "start", "")
	r.Record("deploy", "start", "")
	r.Record("build", "stop", "")
	r.Record("deploy", "stop", "")

	got := r.Report().String()
	want := "build: 5.0 seconds\ndeploy: 7.0 seconds"
	if got != want {
		t.Errorf("report = %q, want %q", got, want)
	}
}

// Property 3 and 9: an odd start/stop count drops the whole label, including
// the two-starts-then-one-stop shape.
func TestReportOddCountSkipsLabel(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(1), at(2)))
	r.Record("rebuild", "start", "")
	r.Record("rebuild", "start", "")
	r.Record("rebuild", "stop", "")

	rep := r.Report()
	if rep.String() != "" {
		t.Errorf("expected empty report, got %q", rep.String())
	}
	res, ok := rep.Result("rebuild")
	if !ok {
		t.Fatal("skipped label must still be observable in results")
	}
	if !res.Skipped || res.Reason != SkipOddCount {
		t.Errorf("result = %+v, want skipped with odd-count reason", res)
	}
}

// Property 8: a lone start produces no line.
func TestReportLoneStart(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0)))
	r.Record("x", "start", "")

	rep := r.Report()
	if rep.String() != "" {
		t.Errorf("expected empty report, got %q", rep.String())
	}
	if res, _ := rep.Result("x"); !res.Skipped {
		t.Errorf("lone start should be a skipped label, got %+v", res)
	}
}

// Property 4: labels whose only events are non-paired markers vanish.
func TestReportOtherOnlyLabel(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(1), at(2), at(3)))
	r.Record("noise", "note", "checkpoint")
	r.Record("noise", "note", "checkpoint")
	r.Record("work", "start", "")
	r.Record("work", "stop", "")

	rep := r.Report()
	if _, ok := rep.Result("noise"); ok {
		t.Error("marker-only label should not appear in results")
	}
	if rep.String() != "work: 1.0 seconds" {
		t.Errorf("report = %q", rep.String())
	}
}

// Markers interleaved with real pairs must not break the pairing.
func TestReportIgnoresMarkersWithinLabel(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(1), at(3)))
	r.Record("load", "start", "")
	r.Record("load", "checkpoint", "halfway")
	r.Record("load", "stop", "")

	res, ok := r.Report().Result("load")
	if !ok || res.Skipped {
		t.Fatalf("marker should not count toward pairing: %+v", res)
	}
	if res.Total != 3*time.Second {
		t.Errorf("total = %v, want 3s", res.Total)
	}
}

// Property 5: report generation is idempotent.
func TestReportIdempotent(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(4)))
	r.Record("a", "start", "")
	r.Record("a", "stop", "")

	first := r.Report().String()
	second := r.Report().String()
	if first != second {
		t.Errorf("reports differ: %q vs %q", first, second)
	}
}

// Property 6: lines sort by label regardless of recording order.
func TestReportSortedByLabel(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(1), at(2), at(3), at(4), at(5)))
	r.Record("zeta", "start", "")
	r.Record("zeta", "stop", "")
	r.Record("alpha", "start", "")
	r.Record("alpha", "stop", "")
	r.Record("mid", "start", "")
	r.Record("mid", "stop", "")

	want := "alpha: 1.0 seconds\nmid: 1.0 seconds\nzeta: 1.0 seconds"
	if got := r.Report().String(); got != want {
		t.Errorf("report = %q, want %q", got, want)
	}
}

// Out-of-order pairs (stop before start) add no duration and no error, but
// are observable as skipped pairs.
func TestReportOutOfOrderPair(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(1), at(2), at(3)))
	r.Record("odd", "stop", "")
	r.Record("odd", "stop", "")
	r.Record("odd", "start", "")
	r.Record("odd", "start", "")

	rep := r.Report()
	res, ok := rep.Result("odd")
	if !ok {
		t.Fatal("no result for odd")
	}
	// Sorted: stop, stop, start, start -> both pairs malformed.
	if res.Pairs != 0 || res.SkippedPairs != 2 {
		t.Errorf("pairs = %d, skipped = %d, want 0 and 2", res.Pairs, res.SkippedPairs)
	}
	if res.Reason != SkipOutOfOrder {
		t.Errorf("reason = %q, want %q", res.Reason, SkipOutOfOrder)
	}
	if rep.String() != "" {
		t.Errorf("malformed label must emit no line, got %q", rep.String())
	}
}

// A mix of one good pair and one malformed pair reports only the good one.
func TestReportPartialPairing(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(2), at(3), at(4)))
	r.Record("mix", "start", "")
	r.Record("mix", "stop", "")
	r.Record("mix", "stop", "")
	r.Record("mix", "start", "")

	res, _ := r.Report().Result("mix")
	if res.Total != 2*time.Second || res.Pairs != 1 || res.SkippedPairs != 1 {
		t.Errorf("result = %+v, want one 2s pair and one skipped", res)
	}
}

// Equal timestamps order start before stop so a zero-length interval still
// pairs instead of being dropped.
func TestReportZeroLengthInterval(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(1), at(1)))
	r.Record("instant", "stop", "")
	r.Record("instant", "start", "")

	res, _ := r.Report().Result("instant")
	if res.Pairs != 1 || res.Total != 0 {
		t.Errorf("result = %+v, want one zero-length pair", res)
	}
}

func TestReportEmptyLog(t *testing.T) {
	r := NewRecorder()
	rep := r.Report()
	if len(rep.Results) != 0 || rep.String() != "" {
		t.Errorf("empty log should yield empty report, got %+v", rep)
	}
}

func TestStartStopShorthand(t *testing.T) {
	r := NewRecorderWithClock(fakeClock(at(0), at(6)))
	r.Start("phase", "")
	r.Stop("phase", "")
	if got := r.Report().String(); got != "phase: 6.0 seconds" {
		t.Errorf("report = %q", got)
	}
}
