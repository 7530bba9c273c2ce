package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildSchemaCoversEveryFrame(t *testing.T) {
	schema := buildSchema()
	if len(schema.OneOf) != 2 {
		t.Fatalf("expected 2 frame schemas, got %d", len(schema.OneOf))
	}
	if schema.OneOf[0].Title != "State Frame" || schema.OneOf[1].Title != "Shutdown Frame" {
		t.Fatalf("unexpected frame titles: %q, %q", schema.OneOf[0].Title, schema.OneOf[1].Title)
	}
}

func TestWriteSchemaProducesJSON(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "nested", "frames.schema.json")
	if err := writeSchema(outPath, buildSchema()); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	for _, field := range []string{`"sequence"`, `"players"`, `"corruption"`, `"ver"`} {
		if !strings.Contains(string(data), field) {
			t.Fatalf("expected schema to mention %s", field)
		}
	}
	if _, err := os.Stat(outPath + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, got %v", err)
	}
}
