package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/fhirsearch/internal/search/builder"
	"github.com/ehr/fhirsearch/internal/search/index"
	"github.com/ehr/fhirsearch/internal/search/predicate"
	"github.com/ehr/fhirsearch/internal/search/query"
	"github.com/ehr/fhirsearch/internal/search/registry"
	"github.com/ehr/fhirsearch/internal/search/store"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func put(t *testing.T, s *Store, resourceType, id, raw string) {
	t.Helper()
	doc, err := registry.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	set, err := index.Index(registry.Default(), resourceType, id, doc)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	res := &store.Resource{Type: resourceType, ID: id, Document: []byte(raw), LastUpdated: base}
	if err := s.Put(context.Background(), res, set); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func search(t *testing.T, s *Store, resourceType, raw string) []string {
	t.Helper()
	plan, err := query.Parse(registry.Default(), resourceType, raw, query.Options{})
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	q, err := builder.Build(plan)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()
	rd, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer rd.Close(ctx)
	res, err := rd.Find(ctx, q)
	if err != nil {
		t.Fatalf("find %q: %v", raw, err)
	}
	ids := make([]string, len(res))
	for i, r := range res {
		ids[i] = r.ID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func seed(t *testing.T) *Store {
	t.Helper()
	s := New()
	put(t, s, "Patient", "p1", `{"resourceType":"Patient","name":[{"family":"Doe","given":["Jane"]}],"gender":"female","birthDate":"1980-05-01"}`)
	put(t, s, "Patient", "p2", `{"resourceType":"Patient","name":[{"family":"Smith"}],"gender":"male","birthDate":"1975"}`)
	put(t, s, "Patient", "p3", `{"resourceType":"Patient","name":[{"family":"Doerr"}],"gender":"female"}`)
	put(t, s, "Observation", "o1", `{"resourceType":"Observation","status":"final","subject":{"reference":"Patient/p1"},
		"code":{"coding":[{"system":"http://loinc.org","code":"2339-0"}]},
		"valueQuantity":{"value":120,"system":"http://unitsofmeasure.org","code":"mg/dL"}}`)
	put(t, s, "Observation", "o2", `{"resourceType":"Observation","status":"preliminary","subject":{"reference":"Patient/p2"},
		"code":{"coding":[{"system":"http://loinc.org","code":"2339-0"}]},
		"valueQuantity":{"value":90,"system":"http://unitsofmeasure.org","code":"mg/dL"}}`)
	return s
}

func TestFind_Filters(t *testing.T) {
	s := seed(t)
	tests := []struct {
		name string
		rt   string
		q    string
		want []string
	}{
		{"string prefix", "Patient", "family=doe", []string{"p1", "p3"}},
		{"string exact", "Patient", "family:exact=Doe", []string{"p1"}},
		{"or values", "Patient", "family=smith,doerr", []string{"p2", "p3"}},
		{"and params", "Patient", "family=doe&gender=female&birthdate=1980", []string{"p1"}},
		{"not", "Observation", "status:not=final", []string{"o2"}},
		{"missing true", "Patient", "birthdate:missing=true", []string{"p3"}},
		{"missing false", "Patient", "birthdate:missing=false", []string{"p1", "p2"}},
		{"quantity gt", "Observation", "value-quantity=gt100", []string{"o1"}},
		{"composite", "Observation", "code-value-quantity=http://loinc.org|2339-0$gt100", []string{"o1"}},
		{"chain", "Observation", "subject:Patient.family=smith", []string{"o2"}},
		{"polymorphic chain", "Observation", "subject.name=doe", []string{"o1"}},
		{"reference", "Observation", "subject=Patient/p1", []string{"o1"}},
		{"id", "Patient", "_id=p2,p3", []string{"p2", "p3"}},
		{"last updated", "Patient", "_lastUpdated=2024-01-01", []string{"p1", "p2", "p3"}},
		{"no match", "Patient", "family=zzz", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := search(t, s, tt.rt, tt.q)
			if !equalIDs(got, tt.want) {
				t.Errorf("%s?%s = %v, want %v", tt.rt, tt.q, got, tt.want)
			}
		})
	}
}

func TestFind_SortAndPage(t *testing.T) {
	s := seed(t)
	if got := search(t, s, "Patient", "_sort=birthdate"); !equalIDs(got, []string{"p2", "p1", "p3"}) {
		t.Errorf("ascending birthdate: %v", got)
	}
	if got := search(t, s, "Patient", "_sort=-birthdate"); !equalIDs(got, []string{"p1", "p2", "p3"}) {
		t.Errorf("descending birthdate keeps missing last: %v", got)
	}
	if got := search(t, s, "Patient", "_sort=gender,-_id"); !equalIDs(got, []string{"p3", "p1", "p2"}) {
		t.Errorf("multi-key sort: %v", got)
	}
	if got := search(t, s, "Patient", "_count=1&_offset=1"); !equalIDs(got, []string{"p2"}) {
		t.Errorf("paging: %v", got)
	}
	if got := search(t, s, "Patient", "_offset=10"); len(got) != 0 {
		t.Errorf("offset past end: %v", got)
	}
}

func TestFind_SortDateRanges(t *testing.T) {
	s := New()
	put(t, s, "Encounter", "long", `{"resourceType":"Encounter","period":{"start":"2020-01-01","end":"2023-06-01"}}`)
	put(t, s, "Encounter", "short", `{"resourceType":"Encounter","period":{"start":"2021-05-05T10:00:00.5Z","end":"2021-05-05T10:00:00.5Z"}}`)
	put(t, s, "Encounter", "open", `{"resourceType":"Encounter","period":{"start":"2019-03-01"}}`)

	tests := []struct {
		q    string
		want []string
	}{
		{"_sort=date", []string{"open", "long", "short"}},
		{"_sort=-date", []string{"open", "long", "short"}},
	}
	for _, tt := range tests {
		if got := search(t, s, "Encounter", tt.q); !equalIDs(got, tt.want) {
			t.Errorf("%s = %v, want %v", tt.q, got, tt.want)
		}
	}

	s = New()
	put(t, s, "Encounter", "early-end", `{"resourceType":"Encounter","period":{"start":"2021-01-01","end":"2021-02-01"}}`)
	put(t, s, "Encounter", "late-end", `{"resourceType":"Encounter","period":{"start":"2020-01-01","end":"2023-06-01"}}`)
	if got := search(t, s, "Encounter", "_sort=date"); !equalIDs(got, []string{"late-end", "early-end"}) {
		t.Errorf("ascending sorts by range start: %v", got)
	}
	if got := search(t, s, "Encounter", "_sort=-date"); !equalIDs(got, []string{"late-end", "early-end"}) {
		t.Errorf("descending sorts by range end: %v", got)
	}
}

func TestFind_SortNumbersExactly(t *testing.T) {
	s := New()
	put(t, s, "Observation", "a", `{"resourceType":"Observation","valueQuantity":{"value":0.10000000000000000002}}`)
	put(t, s, "Observation", "b", `{"resourceType":"Observation","valueQuantity":{"value":0.10000000000000000001}}`)
	if got := search(t, s, "Observation", "_sort=value-quantity"); !equalIDs(got, []string{"b", "a"}) {
		t.Errorf("ascending: %v", got)
	}
	if got := search(t, s, "Observation", "_sort=-value-quantity"); !equalIDs(got, []string{"a", "b"}) {
		t.Errorf("descending: %v", got)
	}
}

func TestPut_ReplacesRows(t *testing.T) {
	s := seed(t)
	put(t, s, "Patient", "p1", `{"resourceType":"Patient","name":[{"family":"Roe"}]}`)

	if got := search(t, s, "Patient", "family=doe"); !equalIDs(got, []string{"p3"}) {
		t.Errorf("stale rows survived update: %v", got)
	}
	if got := search(t, s, "Patient", "family=roe"); !equalIDs(got, []string{"p1"}) {
		t.Errorf("new rows missing: %v", got)
	}
	res, err := s.Get(context.Background(), "Patient", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Version != 2 {
		t.Errorf("expected version 2, got %d", res.Version)
	}

	put(t, s, "Observation", "o1", `{"resourceType":"Observation","status":"final","subject":{"reference":"Patient/p2"}}`)
	if _, _, edges := s.RowCount("Observation", "o1"); edges != 2 {
		t.Errorf("expected subject and patient edges after update, got %d", edges)
	}
	if got := search(t, s, "Observation", "subject=Patient/p1"); len(got) != 0 {
		t.Errorf("stale edge survived update: %v", got)
	}
}

func TestDelete(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	if err := s.Delete(ctx, "Patient", "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "Patient", "p1"); !errors.Is(err, store.ErrDeleted) {
		t.Errorf("expected ErrDeleted, got %v", err)
	}
	if err := s.Delete(ctx, "Patient", "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	if got := search(t, s, "Patient", "family=doe"); !equalIDs(got, []string{"p3"}) {
		t.Errorf("deleted resource still matches: %v", got)
	}
	if got := search(t, s, "Observation", "subject.family=doe"); len(got) != 0 {
		t.Errorf("chain reached a deleted target: %v", got)
	}
	if _, err := s.Get(ctx, "Patient", "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNeedsReindexIsHidden(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	res := &store.Resource{Type: "Patient", ID: "p4", Document: []byte(`{"resourceType":"Patient"}`), LastUpdated: base}
	if err := s.Put(ctx, res, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got := search(t, s, "Patient", ""); !equalIDs(got, []string{"p1", "p2", "p3"}) {
		t.Errorf("unindexed resource is visible: %v", got)
	}
	got, err := s.Get(ctx, "Patient", "p4")
	if err != nil || !got.NeedsReindex {
		t.Errorf("expected readable resource flagged for reindex, got %+v, %v", got, err)
	}
	pending, err := s.PendingReindex(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].ID != "p4" {
		t.Errorf("unexpected pending list %+v, %v", pending, err)
	}
}

func TestReader_Edges(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	rd, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer rd.Close(ctx)

	out, err := rd.EdgesFrom(ctx, "Observation", []string{"o1", "o2", "missing"}, "subject")
	if err != nil || len(out) != 2 {
		t.Fatalf("EdgesFrom = %v, %v", out, err)
	}
	in, err := rd.EdgesTo(ctx, "Observation", "subject", "Patient", []string{"p1"})
	if err != nil || len(in) != 1 || in[0].SourceID != "o1" {
		t.Errorf("EdgesTo = %v, %v", in, err)
	}

	res, err := rd.Fetch(ctx, []store.Key{{Type: "Patient", ID: "p2"}, {Type: "Patient", ID: "ghost"}})
	if err != nil || len(res) != 1 || res[0].ID != "p2" {
		t.Errorf("Fetch = %v, %v", res, err)
	}

	ids, err := rd.IDs(ctx, "Observation", predicate.RefersTo{Params: []string{"subject"}, TargetType: "Patient", TargetID: "p2"})
	if err != nil || !equalIDs(ids, []string{"o2"}) {
		t.Errorf("IDs(RefersTo) = %v, %v", ids, err)
	}
}

func TestReader_UnresolvedHas(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	rd, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer rd.Close(ctx)
	q := &builder.Query{ResourceType: "Patient", Where: predicate.Has{SourceType: "Observation", RefParam: "subject", TargetType: "Patient"}}
	if _, err := rd.Count(ctx, q); !errors.Is(err, store.ErrUnresolvedHas) {
		t.Errorf("expected ErrUnresolvedHas, got %v", err)
	}
}

func TestSnapshot_BlocksWriters(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	rd, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	done := make(chan error)
	go func() {
		res := &store.Resource{Type: "Patient", ID: "p9", Document: []byte(`{"resourceType":"Patient"}`), LastUpdated: base}
		done <- s.Put(ctx, res, &index.Set{ResourceType: "Patient", ResourceID: "p9"})
	}()

	select {
	case <-done:
		t.Fatal("write completed while a snapshot was open")
	case <-time.After(20 * time.Millisecond):
	}

	q := &builder.Query{ResourceType: "Patient", Where: predicate.And{}}
	if n, err := rd.Count(ctx, q); err != nil || n != 3 {
		t.Errorf("snapshot count = %d, %v", n, err)
	}
	rd.Close(ctx)
	if err := <-done; err != nil {
		t.Errorf("put after close: %v", err)
	}
}

func TestReindex(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	raw := `{"resourceType":"Patient","name":[{"family":"Late"}]}`
	res := &store.Resource{Type: "Patient", ID: "p5", Document: []byte(raw), LastUpdated: base}
	if err := s.Put(ctx, res, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	doc, _ := registry.Decode([]byte(raw))
	set, err := index.Index(registry.Default(), "Patient", "p5", doc)
	if err != nil {
		t.Fatalf("index: %v", err)
	}

	stale := *res
	stale.Version = 99
	if err := s.Reindex(ctx, &stale, set); !errors.Is(err, store.ErrStale) {
		t.Errorf("expected ErrStale, got %v", err)
	}
	if err := s.Reindex(ctx, res, set); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	got, err := s.Get(ctx, "Patient", "p5")
	if err != nil || got.NeedsReindex || got.Version != 1 {
		t.Errorf("expected indexed version 1, got %+v, %v", got, err)
	}
	if ids := search(t, s, "Patient", "family=late"); !equalIDs(ids, []string{"p5"}) {
		t.Errorf("reindexed resource not searchable: %v", ids)
	}
}
