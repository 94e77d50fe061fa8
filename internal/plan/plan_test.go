package plan

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	got := Normalize("  Согласовать   следующий\n шаг \t")
	want := "Согласовать следующий шаг"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCompactFallback(t *testing.T) {
	got := Compact("   ", "Наблюдать за окружением")
	if got != "Наблюдать за окружением" {
		t.Errorf("got %q", got)
	}
}

func TestCompactEnumeratedList(t *testing.T) {
	raw := "1. Обсудить приоритеты с Боб 2. Составить список задач 3. Начать работу"
	got := Compact(raw, "fallback")
	if got != "Обсудить приоритеты с Боб" {
		t.Errorf("got %q", got)
	}
}

func TestCompactLeadingTextBeforeList(t *testing.T) {
	raw := "План: 1. Зафиксировать шаг 2. Проверить результат"
	got := Compact(raw, "fallback")
	if got != "Зафиксировать шаг" {
		t.Errorf("got %q", got)
	}
}

func TestCompactTruncates(t *testing.T) {
	raw := strings.Repeat("ш", 500)
	got := Compact(raw, "fallback")
	runes := []rune(got)
	if len(runes) != MaxLen {
		t.Fatalf("got %d runes, want %d", len(runes), MaxLen)
	}
	if runes[len(runes)-1] != '…' {
		t.Errorf("expected ellipsis terminator, got %q", string(runes[len(runes)-1]))
	}
}
