package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/runtrack/runtrack/internal/tracking/operation"
	"github.com/runtrack/runtrack/internal/tracking/queue"
)

// DumpEntry is a decoded queue record.
type DumpEntry struct {
	Version      int64          `json:"version" yaml:"version"`
	Kind         operation.Kind `json:"kind" yaml:"kind"`
	Attribute    string         `json:"attribute" yaml:"attribute"`
	Acknowledged bool           `json:"acknowledged" yaml:"acknowledged"`
	Op           operation.Op   `json:"op" yaml:"op"`
}

// Collect decodes every record of q. Records at or below acked are marked
// acknowledged.
func Collect(ctx context.Context, q *queue.Queue, acked int64) ([]DumpEntry, error) {
	var entries []DumpEntry
	err := Walk(ctx, q, func(rec queue.Record) error {
		op, err := operation.Decode(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to decode operation %d: %w", rec.Version, err)
		}
		entries = append(entries, DumpEntry{
			Version:      rec.Version,
			Kind:         op.Kind(),
			Attribute:    op.Attribute(),
			Acknowledged: rec.Version <= acked,
			Op:           op,
		})
		return nil
	})
	return entries, err
}

// Dump writes entries to w as "yaml" or "json".
func Dump(w io.Writer, entries []DumpEntry, format string) error {
	if entries == nil {
		entries = []DumpEntry{}
	}
	switch format {
	case "yaml", "yml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want yaml or json)", format)
	}
}
