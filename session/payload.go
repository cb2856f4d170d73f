package session

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// compressMagic prefixes payload bodies that were compressed by the sender.
var compressMagic = []byte("ZLIB:")

// ManifestFilename is the reserved filename legacy senders use to ship the
// session file count as a regular tiny transfer instead of a manifest
// droplet. Receivers honor both forms.
const ManifestFilename = "__FILE_COUNT__"

// Header is the per-file framing at the start of every reconstructed stream:
// `name|index|total` terminated by a newline, followed by the raw file bytes.
// Index and Total are zero when the sender used the old name-only form.
type Header struct {
	Name  string
	Index int
	Total int
}

// EncodePayload frames a file body for transmission.
func EncodePayload(name string, index, total int, body []byte) []byte {
	header := fmt.Sprintf("%s|%d|%d\n", name, index, total)
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	return append(out, body...)
}

// ParseHeader reads the framing header out of a stream prefix, typically the
// first resolved chunk of a still-incomplete transfer. It reports false until
// the prefix contains the terminating newline.
func ParseHeader(prefix []byte) (Header, bool) {
	idx := bytes.IndexByte(prefix, '\n')
	if idx < 0 {
		return Header{}, false
	}
	return parseHeaderLine(string(prefix[:idx])), true
}

// ParsePayload splits a complete reconstructed stream into its header and
// body. A stream without a header line is treated as a bare nameless body,
// which old senders produce.
func ParsePayload(data []byte) (Header, []byte) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return Header{}, data
	}
	return parseHeaderLine(string(data[:idx])), data[idx+1:]
}

func parseHeaderLine(line string) Header {
	line = strings.TrimSpace(line)
	parts := strings.Split(line, "|")
	if len(parts) < 3 {
		return Header{Name: line}
	}
	h := Header{Name: parts[0]}
	// A header with garbage counters still names the file.
	if index, err := strconv.Atoi(parts[1]); err == nil && index > 0 {
		h.Index = index
	}
	if total, err := strconv.Atoi(parts[2]); err == nil && total > 0 {
		h.Total = total
	}
	return h
}

// Compress deflates a payload body and prefixes it with the compression
// magic, but only when that actually saves at least five percent; tiny or
// already-compressed bodies are passed through untouched. The second return
// reports whether compression was applied.
func Compress(body []byte) ([]byte, bool) {
	var buf bytes.Buffer
	buf.Write(compressMagic)
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return body, false
	}
	if _, err := w.Write(body); err != nil {
		return body, false
	}
	if err := w.Close(); err != nil {
		return body, false
	}
	if buf.Len() >= len(body)*95/100 {
		return body, false
	}
	return buf.Bytes(), true
}

// Decompress inflates a body produced by Compress and passes unmagicked
// bodies through unchanged.
func Decompress(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, compressMagic) {
		return body, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(body[len(compressMagic):]))
	if err != nil {
		return nil, fmt.Errorf("corrupt compressed payload: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("corrupt compressed payload: %w", err)
	}
	return out, nil
}
