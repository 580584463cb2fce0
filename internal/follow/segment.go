package follow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopystream/internal/workdir"
	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

// segmentWriter appends newline-delimited JSON messages to the segment
// file covering the current WAL segment, rotating at boundaries.
type segmentWriter struct {
	dir        *workdir.Dir
	timeline   uint32
	walSegSize uint64

	name    string // current WAL segment name, "" before the first write
	file    *os.File
	buf     *bufio.Writer
	written pglogrepl.LSN // last LSN written to the buffer
	flushed pglogrepl.LSN // last LSN fsynced to disk

	// notify, when set, is called with the finished segment's name
	// after each rotation.
	notify func(string)
}

func newSegmentWriter(dir *workdir.Dir, timeline uint32, walSegSize uint64, notify func(string)) *segmentWriter {
	return &segmentWriter{
		dir:        dir,
		timeline:   timeline,
		walSegSize: walSegSize,
		notify:     notify,
	}
}

// Append writes one message, rotating first when pos crosses into a new
// WAL segment.
func (w *segmentWriter) Append(msg Message) error {
	pos := msg.LSN
	name := lsn.SegmentName(w.timeline, pos, w.walSegSize)
	if w.name != "" && name != w.name {
		if err := w.Rotate(); err != nil {
			return err
		}
	}
	if w.file == nil {
		if err := w.open(name); err != nil {
			return err
		}
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := w.buf.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write segment %s: %w", w.name, err)
	}
	if pos > w.written {
		w.written = pos
	}
	return nil
}

func (w *segmentWriter) open(name string) error {
	path := w.dir.JSONSegment(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	w.name = name
	w.file = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Flush makes everything buffered durable and advances the flush LSN.
func (w *segmentWriter) Flush() error {
	if w.file == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush segment %s: %w", w.name, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsync segment %s: %w", w.name, err)
	}
	w.flushed = w.written
	return nil
}

// Rotate closes the current segment (making it complete) and announces
// it downstream.
func (w *segmentWriter) Rotate() error {
	if w.file == nil {
		return nil
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close segment %s: %w", w.name, err)
	}
	done := w.name
	w.file = nil
	w.buf = nil
	w.name = ""
	if w.notify != nil {
		w.notify(done)
	}
	return nil
}

// Written and Flushed expose the receiver's durable positions for the
// sentinel sync.
func (w *segmentWriter) Written() pglogrepl.LSN { return w.written }
func (w *segmentWriter) Flushed() pglogrepl.LSN { return w.flushed }

// Name returns the open segment name, empty when none.
func (w *segmentWriter) Name() string { return w.name }

// lsnState is the cdc/lsn.json resume hint.
type lsnState struct {
	Timeline   uint32        `json:"timeline"`
	Written    pglogrepl.LSN `json:"-"`
	Flushed    pglogrepl.LSN `json:"-"`
	Segment    string        `json:"segment"`
	WrittenStr string        `json:"written"`
	FlushedStr string        `json:"flushed"`
}

// saveLSNState persists the receiver positions for resume.
func saveLSNState(dir *workdir.Dir, timeline uint32, written, flushed pglogrepl.LSN, segment string) error {
	st := lsnState{
		Timeline:   timeline,
		Segment:    segment,
		WrittenStr: written.String(),
		FlushedStr: flushed.String(),
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lsn state: %w", err)
	}
	if err := os.WriteFile(dir.LSNFile(), append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write lsn state: %w", err)
	}
	return nil
}

// loadLSNState reads the resume hint; nil when no state exists yet.
func loadLSNState(dir *workdir.Dir) (*lsnState, error) {
	b, err := os.ReadFile(dir.LSNFile())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lsn state: %w", err)
	}
	var st lsnState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("parse lsn state: %w", err)
	}
	if st.WrittenStr != "" {
		if st.Written, err = lsn.Parse(st.WrittenStr); err != nil {
			return nil, err
		}
	}
	if st.FlushedStr != "" {
		if st.Flushed, err = lsn.Parse(st.FlushedStr); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

// readSegment loads a JSON segment file as messages, for the
// transformer's file mode.
func readSegment(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	var out []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("segment %s: %w", path, err)
		}
		out = append(out, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan segment %s: %w", path, err)
	}
	return out, nil
}
