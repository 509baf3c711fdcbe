// Package export writes slices out as JSON or CSV documents, archives them to
// the filesystem or S3, and imports documents back into the state store.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ambulink/ambulink/internal/core"
)

// MaxImportSize is the largest document Import accepts.
const MaxImportSize = 5 << 20

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrTooLarge          = errors.New("file size exceeds 5MB limit")
)

// Format is an export encoding
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat converts a user-supplied name. An empty name means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Ext is the file extension for the format
func (f Format) Ext() string { return string(f) }

// ContentType is the MIME type for the format
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Filter narrows a collection before export. Zero values match everything.
type Filter struct {
	From   time.Time // inclusive, on timestamp.created
	To     time.Time // inclusive
	Status string    // matches a top-level "status" field
}

// ParseFilter builds a filter from user input. Dates are RFC3339 or
// YYYY-MM-DD; empty strings leave that bound open.
func ParseFilter(from, to, status string) (Filter, error) {
	f := Filter{Status: status}
	for _, p := range []struct {
		name string
		raw  string
		dst  *time.Time
	}{{"from", from, &f.From}, {"to", to, &f.To}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, p.raw)
		if err != nil {
			if t, err = time.Parse(time.DateOnly, p.raw); err != nil {
				return f, fmt.Errorf("%w: %s must be RFC3339 or YYYY-MM-DD", core.ErrInvalidInput, p.name)
			}
		}
		*p.dst = t
	}
	return f, nil
}

func (f Filter) empty() bool {
	return f.From.IsZero() && f.To.IsZero() && f.Status == ""
}

type itemMeta struct {
	Timestamp struct {
		Created time.Time `json:"created"`
	} `json:"timestamp"`
	Status json.RawMessage `json:"status"`
}

func (f Filter) match(item json.RawMessage) bool {
	var meta itemMeta
	if err := json.Unmarshal(item, &meta); err != nil {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		created := meta.Timestamp.Created
		if created.IsZero() {
			return false
		}
		if !f.From.IsZero() && created.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && created.After(f.To) {
			return false
		}
	}
	if f.Status != "" {
		var status string
		if err := json.Unmarshal(meta.Status, &status); err != nil || status != f.Status {
			return false
		}
	}
	return true
}

// Apply filters the items of a collection value. Object values pass through.
func (f Filter) Apply(value json.RawMessage) (json.RawMessage, error) {
	if f.empty() {
		return value, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(value, &items); err != nil {
		return value, nil
	}
	kept := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if f.match(item) {
			kept = append(kept, item)
		}
	}
	out, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSerialization, err)
	}
	return out, nil
}

// Encode writes value in the given format
func Encode(w io.Writer, value json.RawMessage, format Format) error {
	switch format {
	case FormatJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, value, "", "  "); err != nil {
			return fmt.Errorf("%w: %v", core.ErrCorruptData, err)
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	case FormatCSV:
		return encodeCSV(w, value)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// encodeCSV writes one row per item. The header is the sorted union of the
// item keys; nested values are written as JSON.
func encodeCSV(w io.Writer, value json.RawMessage) error {
	var rows []map[string]json.RawMessage
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("%w: %v", core.ErrCorruptData, err)
		}
		rows = append(rows, obj)
	} else if err := json.Unmarshal(trimmed, &rows); err != nil {
		return fmt.Errorf("%w: csv needs a list of objects: %v", ErrUnsupportedFormat, err)
	}

	seen := make(map[string]bool)
	var header []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
	}
	sort.Strings(header)

	cw := csv.NewWriter(w)
	if len(header) > 0 {
		if err := cw.Write(header); err != nil {
			return err
		}
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, k := range header {
			record[i] = cell(row[k])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func cell(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	return string(v)
}

// Decode reads a document of at most MaxImportSize bytes
func Decode(r io.Reader, format Format) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImportSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxImportSize {
		return nil, ErrTooLarge
	}

	switch format {
	case FormatJSON:
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: invalid json", core.ErrCorruptData)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrCorruptData, err)
		}
		return buf.Bytes(), nil
	case FormatCSV:
		return decodeCSV(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// decodeCSV turns rows into objects keyed by the header. Cells holding JSON
// arrays, objects, numbers or booleans are restored to those types.
func decodeCSV(data []byte) (json.RawMessage, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorruptData, err)
	}
	items := make([]map[string]json.RawMessage, 0, len(records))
	if len(records) > 0 {
		header := records[0]
		for _, rec := range records[1:] {
			item := make(map[string]json.RawMessage, len(header))
			for i, k := range header {
				if i < len(rec) && rec[i] != "" {
					item[k] = parseCell(rec[i])
				}
			}
			items = append(items, item)
		}
	}
	out, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSerialization, err)
	}
	return out, nil
}

func parseCell(s string) json.RawMessage {
	switch {
	case s == "true" || s == "false":
		return json.RawMessage(s)
	case strings.HasPrefix(s, "{") || strings.HasPrefix(s, "["):
		if json.Valid([]byte(s)) {
			return json.RawMessage(s)
		}
	default:
		if _, err := strconv.ParseFloat(s, 64); err == nil && json.Valid([]byte(s)) {
			return json.RawMessage(s)
		}
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
