package model

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
)

var allStatuses = []ProcessingStatus{
	StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying,
}

func TestTransitionAllowedEdges(t *testing.T) {
	cases := []struct {
		from, to ProcessingStatus
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusRetrying, true},
		{StatusProcessing, StatusFailed, true},
		{StatusRetrying, StatusProcessing, true},
		{StatusFailed, StatusProcessing, true}, // external re-trigger
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusPending, StatusRetrying, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusRetrying, StatusFailed, false},
		{StatusRetrying, StatusCompleted, false},
		{StatusFailed, StatusRetrying, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tc := range cases {
		next, err := tc.from.Transition(tc.to)
		if tc.ok {
			if err != nil {
				t.Errorf("%s -> %s: unexpected error: %v", tc.from, tc.to, err)
			}
			if next != tc.to {
				t.Errorf("%s -> %s: got %s", tc.from, tc.to, next)
			}
		} else {
			if err == nil {
				t.Errorf("%s -> %s: expected rejection", tc.from, tc.to)
			}
			if next != tc.from {
				t.Errorf("%s -> %s: rejected transition moved status to %s", tc.from, tc.to, next)
			}
		}
	}
}

// TestTransitionRandomSequences drives the status through random requested
// transitions and verifies the reached state is only ever explained by
// allowed edges: rejected requests leave the status unchanged.
func TestTransitionRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for seq := 0; seq < 200; seq++ {
		status := StatusPending

		for step := 0; step < 50; step++ {
			requested := allStatuses[rng.Intn(len(allStatuses))]
			before := status

			next, err := status.Transition(requested)
			if err != nil {
				if next != before {
					t.Fatalf("seq %d step %d: rejected transition mutated status %s -> %s", seq, step, before, next)
				}
				continue
			}

			if !before.CanTransition(requested) {
				t.Fatalf("seq %d step %d: transition %s -> %s accepted but not an allowed edge", seq, step, before, requested)
			}
			status = next
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range allStatuses {
		want := s == StatusCompleted || s == StatusFailed
		if got := s.Terminal(); got != want {
			t.Errorf("%s: Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestNewImageCarriesFullVariantSet(t *testing.T) {
	specs := []VariantSpec{
		{Name: "thumbnail", MaxWidth: 300, MaxHeight: 300, Tier: TierHot},
		{Name: "web", MaxWidth: 1200, MaxHeight: 1200, Tier: TierHot},
		{Name: "preview", MaxWidth: 800, MaxHeight: 600, Tier: TierWarm},
	}

	img := NewImage(uuid.New(), BlobRef{Key: "g/i/original.jpg", Tier: TierCold}, "image/jpeg", 1024, specs)

	if img.Status != StatusPending {
		t.Fatalf("new image status = %s, want pending", img.Status)
	}

	if len(img.Variants) != len(specs) {
		t.Fatalf("variants key count = %d, want %d", len(img.Variants), len(specs))
	}

	for _, spec := range specs {
		rec, ok := img.Variants[spec.Name]
		if !ok {
			t.Fatalf("variant %q missing from new image", spec.Name)
		}
		if rec.Status != VariantPending {
			t.Fatalf("variant %q status = %s, want pending", spec.Name, rec.Status)
		}
	}
}

func TestAllVariantsCompleted(t *testing.T) {
	img := Image{Variants: map[string]VariantRecord{
		"thumbnail": {Status: VariantCompleted},
		"web":       {Status: VariantCompleted},
	}}
	if !img.AllVariantsCompleted() {
		t.Fatal("expected all variants completed")
	}

	img.Variants["web"] = VariantRecord{Status: VariantFailed}
	if img.AllVariantsCompleted() {
		t.Fatal("expected incomplete variant set")
	}

	if n := img.PendingVariantCount(); n != 0 {
		t.Fatalf("pending count = %d, want 0", n)
	}

	img.Variants["web"] = VariantRecord{Status: VariantPending}
	if n := img.PendingVariantCount(); n != 1 {
		t.Fatalf("pending count = %d, want 1", n)
	}
}
