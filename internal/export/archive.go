package export

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/conclave/internal/bus"
)

const (
	eventsFile = "events.jsonl"
	reportFile = "report.md"
)

// Archive writes a tar.zst holding events.jsonl and report.md.
func Archive(w io.Writer, r Report) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	var events bytes.Buffer
	enc := json.NewEncoder(&events)
	for _, ev := range r.Events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %d: %w", ev.ID, err)
		}
	}

	modTime := time.Now()
	if r.FinishedAt != nil {
		modTime = *r.FinishedAt
	}
	if err := writeFile(tw, eventsFile, events.Bytes(), modTime); err != nil {
		return err
	}
	if err := writeFile(tw, reportFile, []byte(Markdown(r)), modTime); err != nil {
		return err
	}

	// Close explicitly to catch write errors.
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func writeFile(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// ReadArchive returns the events and report stored in an archive.
func ReadArchive(r io.Reader) ([]bus.Event, string, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var events []bus.Event
	var report string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("read archive: %w", err)
		}

		switch hdr.Name {
		case eventsFile:
			sc := bufio.NewScanner(tr)
			sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for sc.Scan() {
				var ev bus.Event
				if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
					return nil, "", fmt.Errorf("decode event: %w", err)
				}
				events = append(events, ev)
			}
			if err := sc.Err(); err != nil {
				return nil, "", fmt.Errorf("read events: %w", err)
			}
		case reportFile:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, "", fmt.Errorf("read report: %w", err)
			}
			report = string(data)
		}
	}
	return events, report, nil
}
