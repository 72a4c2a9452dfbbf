package observe

import (
	"fmt"
	"testing"
	"time"
)

func TestCallLogRecordAndRecent(t *testing.T) {
	l := NewCallLog(4)
	for i := 1; i <= 3; i++ {
		l.Record(CallMeta{Fn: fmt.Sprintf("call-%d", i), Model: "gpt-4o", PromptTokens: i * 100})
	}

	if l.Len() != 3 {
		t.Errorf("Len = %d, want 3", l.Len())
	}
	recent := l.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(recent))
	}
	if recent[0].Fn != "call-3" || recent[1].Fn != "call-2" {
		t.Errorf("unexpected order: %q, %q", recent[0].Fn, recent[1].Fn)
	}
}

func TestCallLogEvictsOldest(t *testing.T) {
	l := NewCallLog(3)
	for i := 1; i <= 5; i++ {
		l.Record(CallMeta{Fn: fmt.Sprintf("call-%d", i)})
	}

	if l.Len() != 3 {
		t.Errorf("Len = %d, want 3", l.Len())
	}
	all := l.Recent(0)
	if len(all) != 3 {
		t.Fatalf("Recent(0) returned %d records", len(all))
	}
	if all[0].Fn != "call-5" || all[2].Fn != "call-3" {
		t.Errorf("expected newest call-5 .. oldest call-3, got %q .. %q", all[0].Fn, all[2].Fn)
	}
}

func TestCallLogFillsTimestamp(t *testing.T) {
	l := NewCallLog(0)
	before := time.Now()
	l.Record(CallMeta{Fn: "generate"})
	got := l.Recent(1)[0].At
	if got.Before(before) {
		t.Errorf("expected Record to fill At, got %v", got)
	}
}

func TestCallLogRecentMoreThanRetained(t *testing.T) {
	l := NewCallLog(8)
	l.Record(CallMeta{Fn: "only"})
	if got := l.Recent(100); len(got) != 1 {
		t.Errorf("Recent(100) returned %d records, want 1", len(got))
	}
}
