package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/triagedeck/triagedeck/internal/model"
)

// Parquet layout constants are pinned: re-running the same snapshot must
// produce the same byte stream.
const (
	parquetRowGroupSize = 16 * 1024 * 1024
	parquetPageSize     = 8 * 1024
)

// parquetWriter emits one parquet dataset whose schema is derived from
// include_fields: INT64 for timestamp columns, UTF8 strings otherwise,
// everything OPTIONAL so unlabeled rows encode as nulls.
type parquetWriter struct {
	pw     *writer.JSONWriter
	fields []string
}

func newParquetWriter(w io.Writer, fields []string) (*parquetWriter, error) {
	pf := writerfile.NewWriterFile(w)
	pw, err := writer.NewJSONWriter(parquetSchema(fields), pf, 1)
	if err != nil {
		return nil, fmt.Errorf("export: create parquet writer: %w", err)
	}
	pw.RowGroupSize = parquetRowGroupSize
	pw.PageSize = parquetPageSize
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	return &parquetWriter{pw: pw, fields: fields}, nil
}

func parquetSchema(fields []string) string {
	tags := make([]string, 0, len(fields))
	for _, f := range fields {
		typ := "type=BYTE_ARRAY, convertedtype=UTF8"
		if f == "ts_client" || f == "ts_server" {
			typ = "type=INT64"
		}
		tags = append(tags, fmt.Sprintf(`{"Tag":"name=%s, %s, repetitiontype=OPTIONAL"}`, parquetColumn(f), typ))
	}
	return fmt.Sprintf(`{"Tag":"name=parquet_go_root","Fields":[%s]}`, strings.Join(tags, ","))
}

// parquetColumn flattens dotted metadata paths; parquet schemas reserve
// the dot for nesting.
func parquetColumn(field string) string {
	return strings.ReplaceAll(field, ".", "_")
}

func (p *parquetWriter) WriteRow(r model.ExportRow) error {
	rec := make(map[string]any, len(p.fields))
	for _, f := range p.fields {
		col := parquetColumn(f)
		v, ok := fieldValue(r, f)
		if !ok {
			rec[col] = nil
			continue
		}
		switch t := v.(type) {
		case int64:
			rec[col] = t
		case string:
			rec[col] = t
		default:
			// Structured and numeric metadata values encode as JSON strings.
			enc, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("export: encode parquet field %s: %w", f, err)
			}
			rec[col] = string(enc)
		}
	}
	enc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("export: encode parquet row: %w", err)
	}
	if err := p.pw.Write(string(enc)); err != nil {
		return fmt.Errorf("export: write parquet row: %w", err)
	}
	return nil
}

func (p *parquetWriter) Close() error {
	if err := p.pw.WriteStop(); err != nil {
		return fmt.Errorf("export: finalize parquet: %w", err)
	}
	return nil
}
