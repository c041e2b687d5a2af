package infra

import (
	"errors"
	"strings"
	"testing"

	"r2v/internal/sqlinline"
)

func TestExtractMarker(t *testing.T) {
	marker, body, err := extractMarker(sqlinline.QGetAIJob)
	if err != nil {
		t.Fatalf("extractMarker returned error: %v", err)
	}
	if len(marker) != 36 {
		t.Fatalf("marker = %q, want uuid", marker)
	}
	if strings.Contains(body, "--sql") {
		t.Fatalf("body still carries marker: %q", body)
	}
	if !strings.Contains(strings.ToLower(body), "from ai_jobs") {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestExtractMarkerRejectsUntaggedQuery(t *testing.T) {
	if _, _, err := extractMarker("select 1"); !errors.Is(err, ErrSQLMarker) {
		t.Fatalf("err = %v, want ErrSQLMarker", err)
	}
}

func TestAllInlineQueriesCarryMarkers(t *testing.T) {
	seen := map[string]string{}
	for name, query := range sqlinline.All() {
		marker, _, err := extractMarker(query)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if other, ok := seen[marker]; ok {
			t.Fatalf("%s reuses marker of %s", name, other)
		}
		seen[marker] = name
	}
}
