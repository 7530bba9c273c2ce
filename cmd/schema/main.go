package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"jsonic/netsync/internal/net/proto"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	if err := writeSchema(outPath, buildSchema()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

// buildSchema describes every frame a host may send: one schema per message
// type, combined with oneOf.
func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}

	stateSchema := reflector.Reflect(new(proto.StateFrame))
	stateSchema.Title = "State Frame"
	stateSchema.Description = fmt.Sprintf("Full game state snapshot (schema version %d). corruption is null when the overlay is not reported.", proto.Version)

	shutdownSchema := reflector.Reflect(new(proto.ShutdownFrame))
	shutdownSchema.Title = "Shutdown Frame"
	shutdownSchema.Description = "Sent once by the host before it closes every connection."

	root := &jsonschema.Schema{
		Version:     stateSchema.Version,
		Title:       "Netsync Wire Frames",
		Description: "Binary websocket frames exchanged between a netsync host and its clients.",
		OneOf:       []*jsonschema.Schema{stateSchema, shutdownSchema},
	}
	stateSchema.Version = ""
	shutdownSchema.Version = ""
	return root
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}
