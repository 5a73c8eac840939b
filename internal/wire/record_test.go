package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	line := []byte(`{"v":1,"src":"queue-service","ts":1697821234567,"type":"event","data":{"level":"info","message":"Job started","context":{"job_id":"12345"}}}`)

	rec, err := Decode(line)
	require.NoError(t, err)
	require.Equal(t, "queue-service", rec.Source)
	require.Equal(t, KindEvent, rec.Kind)

	encoded, err := Encode(rec)
	require.NoError(t, err)

	rec2, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, rec.Source, rec2.Source)
	require.Equal(t, rec.TimestampMs, rec2.TimestampMs)
	require.Equal(t, rec.Kind, rec2.Kind)
	require.Equal(t, rec.Payload["message"], rec2.Payload["message"])
}

func TestDecodeTrimsSurroundingWhitespace(t *testing.T) {
	line := []byte("  \t{\"v\":1,\"src\":\"a\",\"ts\":1,\"type\":\"heartbeat\"}  \n")
	rec, err := Decode([]byte(strings.TrimRight(string(line), "\n")))
	require.NoError(t, err)
	require.Equal(t, "a", rec.Source)
}

func TestDecodeOversizeFrame(t *testing.T) {
	huge := make([]byte, MaxFrameBytes+100)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := Decode(huge)
	require.ErrorIs(t, err, ErrOversizeFrame)
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	_, err := Decode([]byte(`{"v":2,"src":"a","ts":1,"type":"heartbeat"}`))
	require.ErrorIs(t, err, ErrUnsupportedVer)
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"v":1,"src":"a","ts":1,"type":"bogus"}`))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeMissingSource(t *testing.T) {
	_, err := Decode([]byte(`{"v":1,"src":"","ts":1,"type":"heartbeat"}`))
	require.ErrorIs(t, err, ErrMissingField)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"v":1,`))
	require.ErrorIs(t, err, ErrMalformedJSON)
}

func TestDecodeClampsPercent(t *testing.T) {
	rec, err := Decode([]byte(`{"v":1,"src":"a","ts":1,"type":"progress","data":{"job_id":"j1","percent":150}}`))
	require.NoError(t, err)
	require.Equal(t, float64(100), rec.Payload["percent"])
}

func TestDecodeSpanRequiresSpanID(t *testing.T) {
	_, err := Decode([]byte(`{"v":1,"src":"a","ts":1,"type":"span","data":{"name":"x"}}`))
	require.ErrorIs(t, err, ErrMissingField)
}

func TestFrameReaderRetainsPartialTail(t *testing.T) {
	r := strings.NewReader(`{"v":1,"src":"a","ts":1,"type":"heartbeat"}` + "\n" + `{"v":1,"src":"a","ts":2,"type":"heartbeat"}`)
	fr := NewFrameReader(r)

	line1, err := fr.ReadFrame()
	require.NoError(t, err)
	rec1, err := Decode(line1)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec1.TimestampMs)

	_, err = fr.ReadFrame()
	require.Error(t, err) // unexpected EOF on the unterminated tail
}
