package ratelimit

import "testing"

func TestTryAdmitEnforcesPerSecondBudget(t *testing.T) {
	l := New(Config{MaxOrdersPerSec: 3, MaxCancelsPerSec: 2})

	base := int64(1_000_000)
	for i := 0; i < 3; i++ {
		if !l.TryAdmit(KindSubmit, base+int64(i)) {
			t.Fatalf("submit %d should have been admitted", i)
		}
	}
	if l.TryAdmit(KindSubmit, base+3) {
		t.Fatalf("4th submit within the same window should have been denied")
	}

	// cancels have an independent budget
	if !l.TryAdmit(KindCancel, base) {
		t.Fatalf("first cancel should have been admitted")
	}
	if !l.TryAdmit(KindCancel, base+1) {
		t.Fatalf("second cancel should have been admitted")
	}
	if l.TryAdmit(KindCancel, base+2) {
		t.Fatalf("third cancel should have been denied")
	}
}

func TestTryAdmitWindowSlides(t *testing.T) {
	l := New(Config{MaxOrdersPerSec: 1, MaxCancelsPerSec: 1})
	base := int64(1_000_000)
	if !l.TryAdmit(KindSubmit, base) {
		t.Fatalf("first submit should have been admitted")
	}
	if l.TryAdmit(KindSubmit, base+500) {
		t.Fatalf("submit within the same 1s window should have been denied")
	}
	if !l.TryAdmit(KindSubmit, base+1001) {
		t.Fatalf("submit after the window elapsed should have been admitted")
	}
}

func TestAdmitRiskNeverDenied(t *testing.T) {
	l := New(Config{MaxOrdersPerSec: 0, MaxCancelsPerSec: 0})
	for i := 0; i < 5; i++ {
		l.AdmitRisk()
	}
	_, _, risk := l.Usage(0)
	if risk != 5 {
		t.Fatalf("expected 5 risk-bypassed events recorded, got %d", risk)
	}
}
