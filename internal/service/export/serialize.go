// Package export implements the export pipeline: job validation and
// lifecycle (controller), the background worker pool that materializes
// artifacts, the per-format serializers, and the TTL sweeper.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/triagedeck/triagedeck/internal/model"
)

// fieldValue extracts one column from a row. The second return is false
// for null (unlabeled rows' decision columns, missing metadata keys).
func fieldValue(r model.ExportRow, field string) (any, bool) {
	if key, ok := model.MetadataField(field); ok {
		v, present := r.Metadata[key]
		if !present || v == nil {
			return nil, false
		}
		return v, true
	}
	switch field {
	case "item_id":
		return r.ItemID.String(), true
	case "external_id":
		return r.ExternalID, true
	case "media_type":
		return string(r.MediaType), true
	case "uri":
		return r.URI, true
	case "sort_key":
		return r.SortKey, true
	case "metadata":
		if r.Metadata == nil {
			return map[string]any{}, true
		}
		return r.Metadata, true
	case "user_id":
		if r.UserID == nil {
			return nil, false
		}
		return *r.UserID, true
	case "decision_id":
		if r.DecisionID == nil {
			return nil, false
		}
		return *r.DecisionID, true
	case "note":
		if r.Note == nil {
			return nil, false
		}
		return *r.Note, true
	case "ts_client":
		if r.TSClient == nil {
			return nil, false
		}
		return *r.TSClient, true
	case "ts_server":
		if r.TSServer == nil {
			return nil, false
		}
		return *r.TSServer, true
	case "event_id":
		if r.EventID == nil {
			return nil, false
		}
		return r.EventID.String(), true
	default:
		return nil, false
	}
}

// serializer writes rows of one format to w. Implementations are
// deterministic: the same row sequence yields the same bytes.
type serializer interface {
	WriteRow(r model.ExportRow) error
	// Close flushes. The underlying writer is not closed.
	Close() error
}

func newSerializer(format model.ExportFormat, w io.Writer, fields []string) (serializer, error) {
	switch format {
	case model.FormatJSONL:
		return &jsonlWriter{w: w, fields: fields}, nil
	case model.FormatCSV:
		return newCSVWriter(w, fields)
	case model.FormatParquet:
		return newParquetWriter(w, fields)
	default:
		return nil, fmt.Errorf("export: unsupported format %q", format)
	}
}

// jsonlWriter emits one JSON object per line with keys in include_fields
// order. encoding/json sorts map keys alphabetically, so objects are
// assembled field by field instead.
type jsonlWriter struct {
	w      io.Writer
	fields []string
	wrote  bool
}

func (j *jsonlWriter) WriteRow(r model.ExportRow) error {
	line, err := encodeJSONRow(r, j.fields)
	if err != nil {
		return err
	}
	if j.wrote {
		line = append([]byte{'\n'}, line...)
	}
	j.wrote = true
	_, err = j.w.Write(line)
	return err
}

func (j *jsonlWriter) Close() error { return nil }

func encodeJSONRow(r model.ExportRow, fields []string) ([]byte, error) {
	buf := []byte{'{'}
	for i, f := range fields {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, _ := json.Marshal(f)
		buf = append(buf, key...)
		buf = append(buf, ':')

		v, ok := fieldValue(r, f)
		if !ok {
			buf = append(buf, "null"...)
			continue
		}
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("export: encode field %s: %w", f, err)
		}
		buf = append(buf, enc...)
	}
	return append(buf, '}'), nil
}

// csvWriter emits RFC 4180 rows with LF line endings and a header equal to
// include_fields. Nulls become empty cells; metadata is JSON-encoded.
type csvWriter struct {
	cw     *csv.Writer
	fields []string
}

func newCSVWriter(w io.Writer, fields []string) (*csvWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(fields); err != nil {
		return nil, fmt.Errorf("export: write csv header: %w", err)
	}
	return &csvWriter{cw: cw, fields: fields}, nil
}

func (c *csvWriter) WriteRow(r model.ExportRow) error {
	record := make([]string, len(c.fields))
	for i, f := range c.fields {
		v, ok := fieldValue(r, f)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			record[i] = t
		case int64:
			record[i] = strconv.FormatInt(t, 10)
		default:
			enc, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("export: encode csv field %s: %w", f, err)
			}
			record[i] = string(enc)
		}
	}
	return c.cw.Write(record)
}

func (c *csvWriter) Close() error {
	c.cw.Flush()
	return c.cw.Error()
}
