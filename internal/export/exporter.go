package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/logging"
	"github.com/ambulink/ambulink/internal/state"
)

// Source supplies slice values
type Source interface {
	Get(slice core.SliceName) json.RawMessage
}

// Target receives imported slices
type Target interface {
	Update(ctx context.Context, slice core.SliceName, value any, opts ...state.Option) error
}

// Exporter ties a slice source to an archive sink
type Exporter struct {
	source Source
	sink   Sink
	log    *logging.Logger
	now    func() time.Time
}

// New creates an exporter. sink may be nil when archiving is not used.
func New(source Source, sink Sink, log *logging.Logger) *Exporter {
	if log == nil {
		log = logging.Nop()
	}
	return &Exporter{
		source: source,
		sink:   sink,
		log:    log.WithField("component", "export"),
		now:    time.Now,
	}
}

// Write encodes the filtered slice to w
func (e *Exporter) Write(w io.Writer, slice core.SliceName, format Format, filter Filter) error {
	if !slice.Known() {
		return fmt.Errorf("%w: %q", core.ErrUnknownSlice, slice)
	}
	value, err := filter.Apply(e.source.Get(slice))
	if err != nil {
		return err
	}
	return Encode(w, value, format)
}

// Key is the archive key for an export taken at t
func Key(slice core.SliceName, format Format, t time.Time) string {
	return fmt.Sprintf("exports/%s/%s.%s", slice, t.UTC().Format("20060102T150405Z"), format.Ext())
}

// Archive exports a slice to the sink and returns the stored location
func (e *Exporter) Archive(ctx context.Context, slice core.SliceName, format Format) (string, error) {
	if e.sink == nil {
		return "", fmt.Errorf("export: no archive sink configured")
	}
	var buf bytes.Buffer
	if err := e.Write(&buf, slice, format, Filter{}); err != nil {
		return "", err
	}
	loc, err := e.sink.Put(ctx, Key(slice, format, e.now()), format.ContentType(), buf.Bytes())
	if err != nil {
		return "", err
	}
	e.log.WithFields(map[string]any{"slice": slice, "location": loc}).Info("export archived")
	return loc, nil
}

// ArchiveAll archives every slice and stops at the first failure
func (e *Exporter) ArchiveAll(ctx context.Context, format Format) ([]string, error) {
	var locs []string
	for _, slice := range core.AllSlices() {
		if format == FormatCSV && !slice.IsCollection() {
			continue
		}
		loc, err := e.Archive(ctx, slice, format)
		if err != nil {
			return locs, fmt.Errorf("archive %s: %w", slice, err)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

// Import decodes r and replaces the slice with it
func Import(ctx context.Context, target Target, slice core.SliceName, format Format, r io.Reader) error {
	value, err := Decode(r, format)
	if err != nil {
		return err
	}
	return target.Update(ctx, slice, value)
}
