package domain

import (
	"testing"
	"time"
)

func TestGenerateSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateSessionID()
		if err != nil {
			t.Fatalf("GenerateSessionID() error = %v", err)
		}
		if !IsValidSessionID(id) {
			t.Fatalf("generated invalid id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestIsValidSessionID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"kvss-01arz3ndektsv4rrffq69g5fav", true},
		{"KVSS-01ARZ3NDEKTSV4RRFFQ69G5FAV", true},
		{"tmss-01arz3ndektsv4rrffq69g5fav", false},
		{"kvss-short", false},
		{"kvss-01arz3ndektsv4rrffq69g5fa!", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := IsValidSessionID(tt.id); got != tt.want {
				t.Errorf("IsValidSessionID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestSessionTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id, _ := GenerateSessionID()

	got, ok := SessionTime(id)
	if !ok {
		t.Fatal("SessionTime() ok = false")
	}
	if got.Before(before) || got.After(time.Now().Add(time.Second)) {
		t.Errorf("SessionTime() = %v, want around now", got)
	}

	if _, ok := SessionTime("bogus"); ok {
		t.Error("SessionTime(bogus) ok = true")
	}
}
