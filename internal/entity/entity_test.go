package entity

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"function-harness/internal/frame"
)

func TestObjectKey(t *testing.T) {
	o := &Object{Type: TypeArtifact, Kind: KindArtifact, Project: "demo", Name: "model", ID: "42"}
	want := "store://demo/artifact/artifact/model:42"
	if o.Key() != want {
		t.Errorf("Key() = %q, want %q", o.Key(), want)
	}
}

func TestProducedByDest(t *testing.T) {
	got := ProducedByDest("store://demo/run/python+run/abc")
	want := "store://demo/run/python+run/abc:abc"
	if got != want {
		t.Errorf("ProducedByDest = %q, want %q", got, want)
	}
}

func TestAddRelationshipDeduplicates(t *testing.T) {
	o := &Object{}
	o.AddRelationship(RelationshipProducedBy, "x")
	o.AddRelationship(RelationshipProducedBy, "x")
	o.AddRelationship(RelationshipProducedBy, "y")
	if len(o.Relationships) != 2 {
		t.Errorf("got %d relationships, want 2", len(o.Relationships))
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key     string
		want    Reference
		wantErr bool
	}{
		{
			key:  "store://demo/dataitem/table/iris:1",
			want: Reference{Key: "store://demo/dataitem/table/iris:1", Project: "demo", Type: "dataitem", Kind: "table", Name: "iris", ID: "1"},
		},
		{key: "store://demo/dataitem/table/iris", want: Reference{Key: "store://demo/dataitem/table/iris", Project: "demo", Type: "dataitem", Kind: "table", Name: "iris"}},
		{key: "s3://bucket/x", wantErr: true},
		{key: "store://demo/dataitem", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := ParseKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Key != tt.want.Key || got.Project != tt.want.Project || got.Type != tt.want.Type ||
				got.Kind != tt.want.Kind || got.Name != tt.want.Name || got.ID != tt.want.ID {
				t.Errorf("ParseKey() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReferenceUnmarshal(t *testing.T) {
	var refs map[string]Reference
	if err := json.Unmarshal([]byte(`{"a":"store://p/artifact/artifact/a:1","b":{"entity_type":"model","name":"m","project":"p"}}`), &refs); err != nil {
		t.Fatal(err)
	}
	if refs["a"].Key != "store://p/artifact/artifact/a:1" {
		t.Errorf("a = %+v", refs["a"])
	}
	if refs["b"].Type != TypeModel || refs["b"].Name != "m" {
		t.Errorf("b = %+v", refs["b"])
	}

	var yrefs map[string]Reference
	if err := yaml.Unmarshal([]byte("a: store://p/artifact/artifact/a:1\nb:\n  entity_type: model\n  name: m\n  project: p\n"), &yrefs); err != nil {
		t.Fatal(err)
	}
	if yrefs["a"].Key != refs["a"].Key || yrefs["b"].Name != "m" {
		t.Errorf("yaml refs = %+v", yrefs)
	}
}

func TestDefaultFactory(t *testing.T) {
	ctx := context.Background()
	e, err := DefaultFactory{}.BuildFromReference(ctx, Reference{Key: "store://p/dataitem/table/iris:7"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Key() != "store://p/dataitem/table/iris:7" {
		t.Errorf("Key() = %q", e.Key())
	}

	if _, err := (DefaultFactory{}).BuildFromReference(ctx, Reference{Type: "function", Name: "f", Project: "p"}); err == nil {
		t.Error("expected error for unsupported entity type")
	}
	if _, err := (DefaultFactory{}).BuildFromReference(ctx, Reference{Key: "bogus"}); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestMemoryUpdateMissing(t *testing.T) {
	m := NewMemory()
	o := NewObject(TypeModel, KindModel, "p", "m")
	err := m.Update(context.Background(), o)
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("Update() error = %v, want ErrNotExist", err)
	}
	if err := m.Create(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	if err := m.Update(context.Background(), o); err != nil {
		t.Errorf("Update() after Create = %v", err)
	}
	if err := m.Create(context.Background(), o); err == nil {
		t.Error("expected duplicate Create to fail")
	}
}

func TestMemoryRunStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := RunKey("p", KindPythonRun, "r1")

	if _, err := m.GetRun(ctx, "p", key); !errors.Is(err, ErrNotExist) {
		t.Fatalf("GetRun() error = %v, want ErrNotExist", err)
	}
	if err := m.SetRunStatus(ctx, "p", key, &RunStatus{State: StateCompleted}); err != nil {
		t.Fatal(err)
	}
	r, err := m.GetRun(ctx, "p", key)
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != "r1" || r.Status.State != StateCompleted {
		t.Errorf("run = %+v", r)
	}
}

func TestRecordingFillsLedger(t *testing.T) {
	m := NewMemory()
	ledger := NewLedger()
	c := NewRecording(m, ledger)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "obj.pickle")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	art, err := c.LogArtifact(ctx, "p", "obj", path)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := frame.FromRecords([]string{"a"}, [][]string{{"1"}})
	di, err := c.LogDataitem(ctx, "p", "table", f)
	if err != nil {
		t.Fatal(err)
	}

	got := ledger.Snapshot()
	if got["obj"] != art.Key() || got["table"] != di.Key() {
		t.Errorf("ledger = %v", got)
	}
	if b, ok := m.Blob(art.Key()); !ok || string(b) != "data" {
		t.Errorf("blob = %q, %v", b, ok)
	}
}

func TestErrorStatus(t *testing.T) {
	s := ErrorStatus(errors.New("boom"))
	if s.State != StateError || s.Message != "boom" {
		t.Errorf("ErrorStatus = %+v", s)
	}
	if s.Outputs == nil || s.Results == nil {
		t.Error("expected non-nil maps")
	}
}
