package pricing

import "testing"

func TestParseBothForms(t *testing.T) {
	c, err := Parse([]byte(`{
		"gpt-4o": {"in": 2.5, "out": 10.0},
		"claude-sonnet": [3.0, 15.0]
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got := c.Cost("gpt-4o", 1000, 1000)
	if got == nil || *got != 12.5 {
		t.Fatalf("gpt-4o cost = %v", got)
	}
	got = c.Cost("claude-sonnet", 2000, 500)
	if got == nil || *got != 2*3.0+0.5*15.0 {
		t.Fatalf("claude cost = %v", got)
	}
}

func TestUnknownModelIsNil(t *testing.T) {
	c, err := Parse([]byte(`{"gpt-4o": [2.5, 10.0]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := c.Cost("mystery-model", 100, 100); got != nil {
		t.Fatalf("expected nil cost, got %v", *got)
	}
	if c.Known("mystery-model") {
		t.Fatal("Known should be false")
	}
}

func TestEmptyPath(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.Cost("gpt-4o", 100, 100); got != nil {
		t.Fatalf("expected nil cost from empty catalog, got %v", *got)
	}
}

func TestBadRateArray(t *testing.T) {
	if _, err := Parse([]byte(`{"m": [1.0]}`)); err == nil {
		t.Fatal("expected error for 1-element rate array")
	}
}
