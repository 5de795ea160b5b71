package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrStreamError is wrapped by DeltaReader when the upstream reports an
// error inside the event stream.
var ErrStreamError = errors.New("upstream stream error")

// DeltaReader pulls content deltas out of an OpenAI-compatible SSE body.
type DeltaReader struct {
	rc     io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func NewDeltaReader(rc io.ReadCloser) *DeltaReader {
	return &DeltaReader{rc: rc, reader: bufio.NewReader(rc)}
}

// Recv returns the next non-empty content delta. It returns io.EOF after the
// [DONE] sentinel or a clean end of body.
func (d *DeltaReader) Recv() (string, error) {
	for {
		if d.done {
			return "", io.EOF
		}
		line, err := d.reader.ReadBytes('\n')
		if len(line) > 0 {
			delta, stop, perr := parseLine(line)
			if perr != nil {
				return "", perr
			}
			if stop {
				d.done = true
				return "", io.EOF
			}
			if delta != "" {
				return delta, nil
			}
		}
		if err != nil {
			if err == io.EOF {
				d.done = true
			}
			return "", err
		}
	}
}

func (d *DeltaReader) Close() error {
	return d.rc.Close()
}

// parseLine handles one SSE line. Comments, blank lines and non-data fields
// yield an empty delta.
func parseLine(line []byte) (delta string, done bool, err error) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte("data:")) {
		return "", false, nil
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return "", false, nil
	}
	if bytes.Equal(payload, []byte("[DONE]")) {
		return "", true, nil
	}

	var chunk StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", false, fmt.Errorf("decoding stream chunk: %w", err)
	}
	if chunk.Error != nil {
		return "", false, fmt.Errorf("%w: %s", ErrStreamError, chunk.Error.Message)
	}
	for _, c := range chunk.Choices {
		delta += c.Delta.Content
	}
	return delta, false, nil
}
