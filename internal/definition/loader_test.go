package definition

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadFile_json(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/workflows/simple-review.json")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.ID != "simple-review" {
		t.Errorf("ID = %q, want simple-review", def.ID)
	}
	if def.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", def.Version)
	}
	if len(def.Stages) != 3 {
		t.Fatalf("Stages = %d, want 3", len(def.Stages))
	}
	draft := def.Stages[0]
	if draft.ID != "draft" || draft.Order != 1 {
		t.Errorf("Stages[0] = %s/%d, want draft/1", draft.ID, draft.Order)
	}
	if len(draft.AllowedActions) != 2 || draft.AllowedActions[0].ID != "submit" {
		t.Errorf("draft actions = %+v, want submit and save_draft", draft.AllowedActions)
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/workflows/simple-review.json" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_yaml(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/workflows/policy-review.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if def.ID != "policy-review" || def.Version != "2.1.0" {
		t.Errorf("ID/Version = %s/%s, want policy-review/2.1.0", def.ID, def.Version)
	}
	if def.CompletedStatus != "PUBLISHED" {
		t.Errorf("CompletedStatus = %q, want PUBLISHED", def.CompletedStatus)
	}
	gk := def.Stages[1]
	if len(gk.AllowedActions) != 3 {
		t.Fatalf("gatekeeper actions = %d, want 3", len(gk.AllowedActions))
	}
	if gk.AllowedActions[2].Target != "legal" || gk.AllowedActions[2].Roles[0] != "ADMIN" {
		t.Errorf("fast_track = %+v", gk.AllowedActions[2])
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/nonexistent.json"); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_json(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/invalid/bad.json"); err == nil {
		t.Fatal("LoadFile() with invalid JSON should return error")
	}
}

func TestLoader_LoadFile_unknown_json_field(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "typo.json")
	data := `{"id":"x","name":"X","version":"1","stagez":[]}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLoader().LoadFile(path); err == nil {
		t.Fatal("LoadFile() with unknown field should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/workflows"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() returned %d definitions, want 2", len(defs))
	}
	// Ordered by path: policy-review.yaml before simple-review.json.
	if defs[0].ID != "policy-review" || defs[1].ID != "simple-review" {
		t.Errorf("order = %s, %s", defs[0].ID, defs[1].ID)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/nonexistent"}); err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_stops_on_bad_file(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata"}); err == nil {
		t.Fatal("LoadAll() over a tree containing bad.json should return error")
	}
}
