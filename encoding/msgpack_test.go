package encoding

import (
	"bytes"
	"sync"
	"testing"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "weather.us.ca.sanfrancisco"},
		{"int", 12345},
		{"int64", int64(9876543210)},
		{"float64", 3.14159},
		{"bool", true},
		{"slice", []string{"batman", "robin", "superman"}},
		{"map", map[string]interface{}{"headline": "pow", "issue": 30}},
		{"nested", map[string]map[string][]string{
			"fights": {
				"superheroes":   {"Batman", "Superman"},
				"supervillains": {"Joker"},
			},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}
		})
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	numGoroutines := 100
	iterations := 1000

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				data := map[string]interface{}{
					"goroutine": id,
					"iteration": j,
					"data":      "some test data",
				}
				result, err := Marshal(data)
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				if len(result) == 0 {
					t.Error("Expected non-empty result")
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestMarshalCanonical_MapOrderIndependent(t *testing.T) {
	// Two maps with the same contents built in different insertion orders
	// must encode to identical bytes, otherwise they make different storage keys.
	a := map[string]map[string][]string{
		"fights": {"superheroes": {"Batman"}},
		"events": {"teamups": {"Robin"}},
	}
	b := map[string]map[string][]string{
		"events": {"teamups": {"Robin"}},
		"fights": {"superheroes": {"Batman"}},
	}

	dataA, err := MarshalCanonical(a)
	if err != nil {
		t.Fatalf("MarshalCanonical failed: %v", err)
	}
	dataB, err := MarshalCanonical(b)
	if err != nil {
		t.Fatalf("MarshalCanonical failed: %v", err)
	}

	if !bytes.Equal(dataA, dataB) {
		t.Errorf("Canonical encodings differ:\n%x\n%x", dataA, dataB)
	}
}

func TestMarshalCanonical_RoundTrip(t *testing.T) {
	original := map[string]interface{}{
		"zulu":  "last",
		"alpha": "first",
		"mike":  "middle",
	}
	data, err := MarshalCanonical(original)
	if err != nil {
		t.Fatalf("MarshalCanonical failed: %v", err)
	}

	var result map[string]interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for k, want := range original {
		if got := result[k]; got != want {
			t.Errorf("Key %q: got %v, want %v", k, got, want)
		}
	}
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	// This test verifies that Unmarshal decodes strings as Go strings,
	// not []byte. Flat topic keys decode through interface{} and must come
	// back comparable to the string they were built from.
	original := "weather.us.ca.mountainview"
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	str, ok := result.(string)
	if !ok {
		t.Fatalf("Expected string type, got %T", result)
	}
	if str != original {
		t.Errorf("String mismatch: got %q, want %q", str, original)
	}
}

func TestUnmarshal_TagSlice(t *testing.T) {
	original := []string{"avengers", "fights", "superheroes"}
	data, err := MarshalCanonical(original)
	if err != nil {
		t.Fatalf("MarshalCanonical failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	arr, ok := result.([]interface{})
	if !ok {
		t.Fatalf("Expected []interface{}, got %T", result)
	}
	if len(arr) != len(original) {
		t.Fatalf("Length mismatch: got %d, want %d", len(arr), len(original))
	}
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			t.Fatalf("Element %d is %T, expected string", i, v)
		}
		if s != original[i] {
			t.Errorf("Element %d: got %q, want %q", i, s, original[i])
		}
	}
}
