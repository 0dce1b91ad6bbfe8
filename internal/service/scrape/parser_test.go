package scrape

import (
	"strings"
	"testing"

	"github.com/castwatch/telemetry/internal/domain"
)

func TestParseExpositionSkipsCommentsAndMalformedLines(t *testing.T) {
	payload := `# HELP soketi_connected Current connections
# TYPE soketi_connected gauge
soketi_connected{port="6001"} 42
soketi_connected{port="6002"} 8

this line is garbage
soketi_bad_value{port="6001"} not-a-number
soketi_new_connections_total 137 1700000000
`
	samples, err := ParseExposition(strings.NewReader(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}

	if samples[0].Name != "soketi_connected" || samples[0].Value != 42 {
		t.Fatalf("unexpected first sample %+v", samples[0])
	}
	if samples[0].Labels["port"] != "6001" {
		t.Fatalf("expected port label 6001, got %q", samples[0].Labels["port"])
	}
	if samples[1].Value != 8 {
		t.Fatalf("unexpected second sample %+v", samples[1])
	}

	last := samples[2]
	if last.Name != "soketi_new_connections_total" || last.Value != 137 {
		t.Fatalf("unexpected third sample %+v", last)
	}
	if last.Timestamp == nil || *last.Timestamp != 1700000000 {
		t.Fatalf("expected timestamp 1700000000, got %v", last.Timestamp)
	}
	if last.Labels != nil {
		t.Fatalf("expected nil labels for bare metric, got %v", last.Labels)
	}
}

func TestParseExpositionEmptyPayload(t *testing.T) {
	samples, err := ParseExposition(strings.NewReader("# only comments\n\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("expected no samples, got %d", len(samples))
	}
}

func TestParseLabelsEscapesAndDuplicates(t *testing.T) {
	payload := `metric{path="a\"b",note="line\nbreak",k="first",k="second"} 1`
	samples, err := ParseExposition(strings.NewReader(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	labels := samples[0].Labels
	if labels["path"] != `a"b` {
		t.Fatalf("expected unescaped quote, got %q", labels["path"])
	}
	if labels["note"] != "line\nbreak" {
		t.Fatalf("expected unescaped newline, got %q", labels["note"])
	}
	if labels["k"] != "second" {
		t.Fatalf("expected duplicate key to keep last value, got %q", labels["k"])
	}
}

func TestExpositionLineRoundTrip(t *testing.T) {
	ts := int64(1700000123)
	sample := domain.RawSample{
		Name:      "soketi_socket_received_bytes",
		Value:     1048576,
		Labels:    map[string]string{"port": "6001", "app": `video "main"`},
		Timestamp: &ts,
	}

	line := ExpositionLine(sample)
	parsed, err := ParseExposition(strings.NewReader(line))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(parsed) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(parsed))
	}
	got := parsed[0]
	if got.Name != sample.Name || got.Value != sample.Value {
		t.Fatalf("round trip changed name/value: %+v", got)
	}
	if got.Labels["port"] != "6001" || got.Labels["app"] != `video "main"` {
		t.Fatalf("round trip changed labels: %v", got.Labels)
	}
	if got.Timestamp == nil || *got.Timestamp != ts {
		t.Fatalf("round trip changed timestamp: %v", got.Timestamp)
	}

	// Sorted label keys make the rendering deterministic.
	if ExpositionLine(sample) != line {
		t.Fatal("expected stable rendering")
	}
}
