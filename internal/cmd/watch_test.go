package cmd

import "testing"

func TestWatchOptionsValidateRequiresAMatcher(t *testing.T) {
	o := &WatchOptions{}
	if err := o.Validate(); err == nil {
		t.Fatal("Validate() with no --match-url or --match-title = nil, want an error")
	}
}

func TestWatchOptionsValidateAcceptsMatchURLAlone(t *testing.T) {
	o := &WatchOptions{MatchURL: "localhost:3000"}
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate() with --match-url set = %v, want nil", err)
	}
}

func TestWatchOptionsValidateAcceptsMatchTitleAlone(t *testing.T) {
	o := &WatchOptions{MatchTitle: "My App"}
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate() with --match-title set = %v, want nil", err)
	}
}
