package fountain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// ErrMalformedDroplet is returned when a droplet wire string or a droplet's
// fields cannot be understood. Such droplets are dropped by the receiver and
// never abort a session.
var ErrMalformedDroplet = errs.Class("malformed droplet")

// MaxNumChunks caps the chunk count a droplet may announce. It corresponds to
// roughly a 500 MB transfer at the default chunk size; anything above it is
// treated as a misread of the visual code.
const MaxNumChunks = 1_000_000

const wireFields = 4

// Droplet is the atomic transmissible unit: the XOR of a pseudo-randomly
// selected subset of source chunks, self-describing enough that a fresh
// decoder can bootstrap from any one of them.
type Droplet struct {
	// Seed identifies the droplet and is the sole input, together with
	// NumChunks, to the chunk selection. Identical seed and chunk count
	// always yield an identical index set.
	Seed uint64
	// NumChunks is the total chunk count of the transfer this droplet
	// belongs to. Zero marks a manifest droplet.
	NumChunks int
	// Padding is the number of zero bytes appended to the final chunk.
	Padding int
	// Data is the XOR of the selected chunks, exactly one chunk in size.
	Data []byte
}

// String renders the droplet in its text wire form:
// seed|num_chunks|padding|base64(data).
func (d *Droplet) String() string {
	return fmt.Sprintf("%d|%d|%d|%s",
		d.Seed, d.NumChunks, d.Padding, base64.StdEncoding.EncodeToString(d.Data))
}

// IsManifest reports whether the droplet is the session manifest rather than
// a data droplet. Data droplets always announce at least one chunk, so a zero
// chunk count is an unambiguous marker.
func (d *Droplet) IsManifest() bool {
	return d.NumChunks == 0
}

// FileCount decodes the expected file count carried by a manifest droplet.
func (d *Droplet) FileCount() (int, error) {
	if !d.IsManifest() {
		return 0, ErrMalformedDroplet.New("not a manifest droplet")
	}
	count, err := strconv.Atoi(strings.TrimSpace(string(d.Data)))
	if err != nil || count < 1 {
		return 0, ErrMalformedDroplet.New("bad manifest file count %q", d.Data)
	}
	return count, nil
}

// NewManifest builds the sentinel droplet announcing how many files a
// multi-file session should expect.
func NewManifest(fileCount int) *Droplet {
	return &Droplet{Data: []byte(strconv.Itoa(fileCount))}
}

// Parse decodes a droplet from its text wire form. Malformed input of any
// shape is reported as ErrMalformedDroplet, never as a raw strconv or base64
// error escaping mid-pipeline.
func Parse(s string) (*Droplet, error) {
	parts := strings.SplitN(s, "|", wireFields)
	if len(parts) != wireFields {
		return nil, ErrMalformedDroplet.New("want %d fields, got %d", wireFields, len(parts))
	}

	seed, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, ErrMalformedDroplet.New("bad seed %q", parts[0])
	}
	numChunks, err := strconv.Atoi(parts[1])
	if err != nil || numChunks < 0 || numChunks > MaxNumChunks {
		return nil, ErrMalformedDroplet.New("bad chunk count %q", parts[1])
	}
	padding, err := strconv.Atoi(parts[2])
	if err != nil || padding < 0 {
		return nil, ErrMalformedDroplet.New("bad padding %q", parts[2])
	}
	data, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, ErrMalformedDroplet.New("bad payload encoding: %v", err)
	}
	if numChunks > 0 {
		if len(data) == 0 {
			return nil, ErrMalformedDroplet.New("data droplet with empty payload")
		}
		// The payload length is the chunk size, and padding applies only to
		// the final chunk, so it can never reach a full chunk.
		if padding >= len(data) {
			return nil, ErrMalformedDroplet.New("padding %d exceeds chunk size %d", padding, len(data))
		}
	}

	return &Droplet{
		Seed:      seed,
		NumChunks: numChunks,
		Padding:   padding,
		Data:      data,
	}, nil
}
