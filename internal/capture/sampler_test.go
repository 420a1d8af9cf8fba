package capture

import (
	"context"
	"testing"

	"github.com/gateway-fm/stresscapture/internal/feed"
)

func TestRecorderStopsAtLimit(t *testing.T) {
	r := resolverFor([]step{
		{10, 3000, 240},
		{11, 6100, 260},
		{13, 9000, 255},
		{14, 12000, 250},
	})
	rec, err := NewRecorder(r, 187, 3, nil)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	// 12 is missing and 11 is delivered twice.
	if err := feed.NewStaticFeed(10, 11, 11, 12, 13, 14).Subscribe(context.Background(), rec.HandleHeader); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	got := rec.Samples()
	if len(got) != 3 {
		t.Fatalf("samples = %d, want 3", len(got))
	}
	wantNumbers := []uint64{10, 11, 13}
	for i, s := range got {
		if s.Number != wantNumbers[i] {
			t.Errorf("sample %d number = %d, want %d", i, s.Number, wantNumbers[i])
		}
	}
	if got[0].LatencyKnown {
		t.Error("first sample has a latency")
	}
	if got[0].Size != 240+187 {
		t.Errorf("size = %d, want %d", got[0].Size, 240+187)
	}
	if !got[1].LatencyKnown || got[1].Latency != 3.1 {
		t.Errorf("latency = %v (known %v), want 3.1", got[1].Latency, got[1].LatencyKnown)
	}
	// latency spans the missing block
	if got[2].Latency != 2.9 {
		t.Errorf("latency = %v, want 2.9", got[2].Latency)
	}
}

func TestNewRecorderValidation(t *testing.T) {
	r := feed.NewMapResolver()
	tests := []struct {
		name     string
		resolver feed.Resolver
		overhead int64
		limit    int
	}{
		{"nil resolver", nil, 0, 1},
		{"zero limit", r, 0, 0},
		{"negative overhead", r, -1, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRecorder(tt.resolver, tt.overhead, tt.limit, nil); err == nil {
				t.Error("NewRecorder() error = nil")
			}
		})
	}
}
