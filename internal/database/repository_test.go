package database

import (
	"strings"
	"testing"
	"time"
)

func TestConditionsRoundTrip(t *testing.T) {
	b, err := encodeConditions(map[string]float64{"rsi": 48.5, "price": 101.25})
	if err != nil {
		t.Fatalf("encodeConditions failed: %v", err)
	}
	got, err := decodeConditions(b)
	if err != nil {
		t.Fatalf("decodeConditions failed: %v", err)
	}
	if got["rsi"] != 48.5 || got["price"] != 101.25 || len(got) != 2 {
		t.Errorf("Expected both conditions back, got %v", got)
	}
}

func TestConditionsEmpty(t *testing.T) {
	b, err := encodeConditions(nil)
	if err != nil || string(b) != "{}" {
		t.Errorf("Expected {} for nil conditions, got %q %v", b, err)
	}
	got, err := decodeConditions(nil)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("Expected an empty map, got %v %v", got, err)
	}
	if _, err := decodeConditions([]byte("[1,2]")); err == nil {
		t.Error("Expected a JSON array to be rejected")
	}
}

func TestNullableHelpers(t *testing.T) {
	if nullable("") != nil {
		t.Error("Expected empty string to map to NULL")
	}
	if v := nullable("p1"); v == nil || *v != "p1" {
		t.Errorf("Expected p1, got %v", v)
	}
	if nullableTime(time.Time{}) != nil {
		t.Error("Expected zero time to map to NULL")
	}
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if v := nullableTime(now); v == nil || !v.Equal(now) {
		t.Errorf("Expected %v, got %v", now, v)
	}
	if tags := tagsOrEmpty(nil); tags == nil || len(tags) != 0 {
		t.Errorf("Expected empty tags, got %v", tags)
	}
	if p := paramsOrEmpty(nil); p == nil {
		t.Error("Expected empty params map")
	}
}

func TestMigrationsCoverEveryTable(t *testing.T) {
	want := []string{"traders", "trades", "patterns"}
	for _, table := range want {
		found := false
		for _, m := range migrations {
			if strings.Contains(m, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				found = true
			}
		}
		if !found {
			t.Errorf("Expected a migration creating %s", table)
		}
	}
}
