package timeline

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/ivoryvalley/ivoryvalley/pkg/metrics"
	"github.com/ivoryvalley/ivoryvalley/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "seen.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEligibleRequiresGetAnd2xxAndJSON(t *testing.T) {
	cases := []struct {
		method      string
		path        string
		status      int
		contentType string
		want        bool
	}{
		{http.MethodGet, "/api/v1/timelines/home", 200, "application/json; charset=utf-8", true},
		{http.MethodPost, "/api/v1/timelines/home", 200, "application/json", false},
		{http.MethodGet, "/api/v1/timelines/home", 404, "application/json", false},
		{http.MethodGet, "/api/v1/timelines/home", 200, "text/html", false},
		{http.MethodGet, "/api/v1/statuses", 200, "application/json", false},
		{http.MethodGet, "/api/v1/timelines/list/42", 200, "application/json", true},
		{http.MethodGet, "/api/v1/timelines/tag/golang", 200, "application/json", true},
	}
	for _, c := range cases {
		if got := Eligible(c.method, c.path, c.status, c.contentType); got != c.want {
			t.Errorf("Eligible(%q,%q,%d,%q) = %v, want %v", c.method, c.path, c.status, c.contentType, got, c.want)
		}
	}
}

func statusJSON(uri string) string {
	return `{"uri":"` + uri + `"}`
}

func TestTimelineDedupAcrossRefreshes(t *testing.T) {
	s := newTestStore(t)
	ctr := &metrics.Counters{}
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	first := []byte(`[` + statusJSON("A") + `,` + statusJSON("B") + `]`)
	out1, ok := Filter(ctx, s, ctr, first, now)
	if !ok {
		t.Fatal("expected filter to apply")
	}
	assertURIs(t, out1, "A", "B")

	second := []byte(`[` + statusJSON("B") + `,` + statusJSON("C") + `]`)
	out2, ok := Filter(ctx, s, ctr, second, now.Add(time.Minute))
	if !ok {
		t.Fatal("expected filter to apply")
	}
	assertURIs(t, out2, "C")
}

func TestBoostCollapsesToOriginal(t *testing.T) {
	s := newTestStore(t)
	ctr := &metrics.Counters{}
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	boost := []byte(`[{"uri":"x1","reblog":{"uri":"O"}}]`)
	out1, ok := Filter(ctx, s, ctr, boost, now)
	if !ok {
		t.Fatal("expected filter to apply")
	}
	assertURIs(t, out1, "x1")

	original := []byte(`[` + statusJSON("O") + `]`)
	out2, ok := Filter(ctx, s, ctr, original, now.Add(time.Minute))
	if !ok {
		t.Fatal("expected filter to apply")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(out2, &elems); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(elems) != 0 {
		t.Fatalf("expected empty array after original collapses into already-seen boost, got %d elements", len(elems))
	}
}

func TestOriginalThenBoost(t *testing.T) {
	s := newTestStore(t)
	ctr := &metrics.Counters{}
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	original := []byte(`[` + statusJSON("O") + `]`)
	out1, ok := Filter(ctx, s, ctr, original, now)
	if !ok {
		t.Fatal("expected filter to apply")
	}
	assertURIs(t, out1, "O")

	boost := []byte(`[{"uri":"x2","reblog":{"uri":"O"}}]`)
	out2, ok := Filter(ctx, s, ctr, boost, now.Add(time.Minute))
	if !ok {
		t.Fatal("expected filter to apply")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(out2, &elems); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(elems) != 0 {
		t.Fatalf("expected empty array, got %d elements", len(elems))
	}
}

func TestFilterSkipsElementsMissingURI(t *testing.T) {
	s := newTestStore(t)
	ctr := &metrics.Counters{}
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	body := []byte(`[{"content":"no uri"},` + statusJSON("A") + `]`)
	out, ok := Filter(ctx, s, ctr, body, now)
	if !ok {
		t.Fatal("expected filter to apply")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(out, &elems); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(elems) != 2 {
		t.Fatalf("expected both elements passed through, got %d", len(elems))
	}
	if ctr.Snapshot().Skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", ctr.Snapshot().Skipped)
	}
}

func TestFilterOnNonArrayBodyPassesThroughUnmodified(t *testing.T) {
	s := newTestStore(t)
	ctr := &metrics.Counters{}
	ctx := context.Background()

	body := []byte(`{"not":"an array"}`)
	out, ok := Filter(ctx, s, ctr, body, time.Now())
	if ok {
		t.Fatal("expected ok=false for non-array body")
	}
	if string(out) != string(body) {
		t.Fatalf("expected body unchanged, got %s", out)
	}
	if ctr.Snapshot().FilterSkipped != 1 {
		t.Fatalf("expected 1 filter-skipped, got %d", ctr.Snapshot().FilterSkipped)
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctr := &metrics.Counters{}
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	body := []byte(`[` + statusJSON("1") + `,` + statusJSON("2") + `,` + statusJSON("3") + `,` + statusJSON("4") + `]`)
	out, ok := Filter(ctx, s, ctr, body, now)
	if !ok {
		t.Fatal("expected filter to apply")
	}
	assertURIs(t, out, "1", "2", "3", "4")
}

// TestFilterIdempotence checks that filtering the already-filtered output
// a second time against the same store state yields the empty array (every
// retained URI is now Duplicate), never re-adding anything.
func TestFilterIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctr := &metrics.Counters{}
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	body := []byte(`[` + statusJSON("A") + `,` + statusJSON("B") + `]`)
	out1, ok := Filter(ctx, s, ctr, body, now)
	if !ok {
		t.Fatal("expected filter to apply")
	}
	assertURIs(t, out1, "A", "B")

	out2, ok := Filter(ctx, s, ctr, out1, now.Add(time.Minute))
	if !ok {
		t.Fatal("expected filter to apply")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(out2, &elems); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(elems) != 0 {
		t.Fatalf("expected idempotent re-filter to drop everything, got %d elements", len(elems))
	}
}

func assertURIs(t *testing.T, body []byte, want ...string) {
	t.Helper()
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		t.Fatalf("unmarshal: %v (body=%s)", err, body)
	}
	if len(elems) != len(want) {
		t.Fatalf("expected %d elements, got %d (body=%s)", len(want), len(elems), body)
	}
	for i, elem := range elems {
		var shape struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(elem, &shape); err != nil {
			t.Fatalf("unmarshal element %d: %v", i, err)
		}
		if shape.URI != want[i] {
			t.Fatalf("element %d: got uri %q, want %q", i, shape.URI, want[i])
		}
	}
}
