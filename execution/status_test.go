package execution

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusSkipped, true},
		{StatusQueued, StatusAborted, true},
		{StatusQueued, StatusExpired, true},
		{StatusQueued, StatusSucceeded, false},
		{StatusQueued, StatusFailed, false},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusQueued, false},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailed, StatusAborted, false},
		{StatusAborted, StatusAborted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusClassification(t *testing.T) {
	for _, s := range Statuses() {
		if s.IsBroken() && s.IsPositive() {
			t.Fatalf("%s cannot be broken and positive", s)
		}
		if (s.IsBroken() || s.IsPositive()) && !s.IsTerminal() {
			t.Fatalf("%s classified but not terminal", s)
		}
	}
	if StatusRunning.IsTerminal() || StatusQueued.IsTerminal() {
		t.Fatal("active statuses must not be terminal")
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" succeeded ")
	if err != nil || s != StatusSucceeded {
		t.Fatalf("unexpected parse result %q %v", s, err)
	}
	if _, err := ParseStatus("DONE"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
