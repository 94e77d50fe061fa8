package embedding

import (
	"context"
	"math"
	"testing"
)

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(128)
	a, err := p.Embed(context.Background(), []string{"Кофемашина сломалась"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := p.Embed(context.Background(), []string{"Кофемашина сломалась"})
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("vectors differ at index %d", i)
		}
	}
}

func TestHashProviderNormalized(t *testing.T) {
	p := NewHashProvider(64)
	vecs, err := p.Embed(context.Background(), []string{"привет мир agent_1 42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-5 {
		t.Errorf("vector norm = %v, want 1", math.Sqrt(norm))
	}
}

func TestHashProviderEmptyText(t *testing.T) {
	p := NewHashProvider(32)
	vecs, err := p.Embed(context.Background(), []string{"!!! ..."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, v := range vecs[0] {
		if v != 0 {
			t.Fatal("tokenless text must embed to the zero vector")
		}
	}
	if p.Dimension() != 32 {
		t.Errorf("got dimension %d", p.Dimension())
	}
}

func TestHashProviderEmptyInput(t *testing.T) {
	p := NewHashProvider(16)
	vecs, err := p.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil for empty input, got %v", vecs)
	}
}
