package analysis

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type FlattenOptions struct {
	MaxDepth int
	MaxKeys  int
}

// FlattenJSON flattens nested maps and slices into dotted keys, e.g.
// "labels.age_labels[0].CodeID".
func FlattenJSON(value any, opts FlattenOptions) map[string]any {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 16
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 5000
	}
	out := make(map[string]any)
	flattenInto(out, "", value, 0, opts)
	return out
}

func flattenInto(out map[string]any, prefix string, value any, depth int, opts FlattenOptions) {
	if len(out) >= opts.MaxKeys {
		return
	}
	if depth > opts.MaxDepth {
		if prefix != "" {
			out[prefix] = fmt.Sprintf("<max_depth:%d>", opts.MaxDepth)
		}
		return
	}

	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenInto(out, key, child, depth+1, opts)
			if len(out) >= opts.MaxKeys {
				return
			}
		}
	case []any:
		for i, child := range v {
			idx := strconv.Itoa(i)
			key := idx
			if prefix != "" {
				key = prefix + "[" + idx + "]"
			}
			flattenInto(out, key, child, depth+1, opts)
			if len(out) >= opts.MaxKeys {
				return
			}
		}
	default:
		if prefix == "" {
			out["value"] = v
			return
		}
		out[prefix] = v
	}
}

// FlattenRecord returns r as flat key/value pairs.
func FlattenRecord(r *ColumnRecord) (map[string]any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var nested map[string]any
	if err := json.Unmarshal(b, &nested); err != nil {
		return nil, err
	}
	return FlattenJSON(nested, FlattenOptions{}), nil
}

// ExportJSONL writes one flattened record per line.
func ExportJSONL(path string, records []*ColumnRecord) error {
	return writeFile(path, func(w *bufio.Writer) error {
		for _, r := range records {
			flat, err := FlattenRecord(r)
			if err != nil {
				return err
			}
			b, err := json.Marshal(flat)
			if err != nil {
				return err
			}
			if _, err := w.Write(append(b, '\n')); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExportProductionCSV writes the participant, timestamp and raw texts of
// each record.
func ExportProductionCSV(path string, records []*ColumnRecord, cfg *Config) error {
	headers := []string{"participant_uuid", "timestamp"}
	for _, d := range cfg.Datasets {
		headers = appendUnique(headers, d.RawDataset)
	}
	return writeCSV(path, headers, records, func(r *ColumnRecord) map[string]string {
		row := map[string]string{"participant_uuid": r.ParticipantUUID, "timestamp": formatTimestamp(r.Timestamp)}
		for k, v := range r.Raw {
			row[k] = v
		}
		return row
	})
}

// ExportAnalysisCSV writes each record with its labels in matrix form, one
// "{dataset}:{code}" column per code set to 1 or 0, followed by the raw
// texts.
func ExportAnalysisCSV(path string, records []*ColumnRecord, cfg *Config, withTimestamps bool) error {
	headers := []string{"participant_uuid", "consent_withdrawn"}
	if withTimestamps {
		headers = append(headers, "timestamp")
	}
	columns := cfg.ColumnConfigs()
	for _, cc := range columns {
		for _, code := range cc.CodeScheme.Codes {
			headers = append(headers, cc.DatasetName+":"+code.StringValue)
		}
		// Keep each raw field after the last of its columns' codes.
		headers = removeValue(headers, cc.RawField)
		headers = append(headers, cc.RawField)
	}

	return writeCSV(path, headers, records, func(r *ColumnRecord) map[string]string {
		row := map[string]string{
			"participant_uuid":  r.ParticipantUUID,
			"consent_withdrawn": strconv.FormatBool(r.ConsentWithdrawn),
		}
		if withTimestamps {
			row["timestamp"] = formatTimestamp(r.Timestamp)
		}
		for _, cc := range columns {
			row[cc.RawField] = r.Raw[cc.RawField]
			assigned := map[string]struct{}{}
			for _, l := range r.Labels[cc.CodedField] {
				assigned[l.CodeID] = struct{}{}
			}
			for _, code := range cc.CodeScheme.Codes {
				v := "0"
				if _, ok := assigned[code.CodeID]; ok {
					v = "1"
				}
				row[cc.DatasetName+":"+code.StringValue] = v
			}
		}
		return row
	})
}

func formatTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func removeValue(values []string, v string) []string {
	out := values[:0]
	for _, x := range values {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func writeCSV(path string, headers []string, records []*ColumnRecord, row func(*ColumnRecord) map[string]string) error {
	return writeFile(path, func(w *bufio.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(headers); err != nil {
			return err
		}
		line := make([]string, len(headers))
		for _, r := range records {
			values := row(r)
			for i, h := range headers {
				line[i] = values[h]
			}
			if err := cw.Write(line); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// writeFile writes to a temp file next to path and renames it into place.
func writeFile(path string, write func(w *bufio.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
