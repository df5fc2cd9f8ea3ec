package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func floatPtr(v float64) *float64 { return &v }

func TestCacheStoresLastSuccessfulPass(t *testing.T) {
	cache := NewCache()
	first := PollEvent{
		DeviceID:  "d1",
		Timestamp: time.Now(),
		Readings:  []Reading{{Name: "temperature", Value: floatPtr(25.0), Unit: "C"}},
	}
	cache.Store(first)

	failed := PollEvent{DeviceID: "d1", Err: errors.New("connection lost")}
	cache.Store(failed)

	event, ok := cache.Get("d1")
	if !ok {
		t.Fatal("expected cached event")
	}
	if len(event.Readings) != 1 || *event.Readings[0].Value != 25.0 {
		t.Fatalf("cache should keep the last successful pass, got %+v", event)
	}
}

func TestCacheReadingByName(t *testing.T) {
	cache := NewCache()
	cache.Store(PollEvent{DeviceID: "d1", Readings: []Reading{
		{Name: "voltage", Value: floatPtr(230.1)},
		{Name: "current", Value: nil, Error: "short buffer"},
	}})

	reading, ok := cache.Reading("d1", "current")
	if !ok {
		t.Fatal("expected reading")
	}
	if reading.Value != nil || reading.Error == "" {
		t.Fatalf("expected nulled reading with error, got %+v", reading)
	}
	if _, ok := cache.Reading("d1", "missing"); ok {
		t.Fatal("unexpected reading for unknown parameter")
	}
	if _, ok := cache.Reading("d2", "voltage"); ok {
		t.Fatal("unexpected reading for unknown device")
	}
}

func TestCacheDrop(t *testing.T) {
	cache := NewCache()
	cache.Store(PollEvent{DeviceID: "d1"})
	cache.Drop("d1")
	if _, ok := cache.Get("d1"); ok {
		t.Fatal("expected device to be dropped")
	}
}

func TestFileHistoryAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	history, err := OpenFileHistory(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	records := []Record{
		{DeviceID: "d1", Parameter: "temperature", Value: floatPtr(25.0), Unit: "C", Quality: QualityGood},
		{DeviceID: "d1", Parameter: "pressure", Value: nil, Quality: QualityBad},
	}
	for _, record := range records {
		if err := history.Append(record); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := history.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	count := 0
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("line %d: %v", count, err)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 lines, got %d", count)
	}
}
