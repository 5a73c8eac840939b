package backend

import (
	"bytes"

	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// encodeNDJSON renders records as newline-delimited JSON, the wire
// encoding every adapter ships to its backend.
func encodeNDJSON(records []*wire.Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := wire.Encode(rec)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
