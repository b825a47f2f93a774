package workqueue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
)

// Record framing: version(1B) | kind(1B) | payloadLen(4B BE) | payload | crc32c(all preceding)

const recordVersion = 1

type recordKind byte

const (
	kindItem    recordKind = 1
	kindOutcome recordKind = 2
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errCorrupt = errors.New("workqueue: corrupt record")

func encodeRecord(kind recordKind, payload []byte) []byte {
	out := make([]byte, 0, 6+len(payload)+4)
	out = append(out, recordVersion, byte(kind))
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(out, castagnoli))
}

func decodeRecord(b []byte, want recordKind) ([]byte, error) {
	if len(b) < 10 || b[0] != recordVersion || recordKind(b[1]) != want {
		return nil, errCorrupt
	}
	n := int(binary.BigEndian.Uint32(b[2:6]))
	if 6+n+4 != len(b) {
		return nil, errCorrupt
	}
	body := b[:6+n]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[6+n:]) {
		return nil, errCorrupt
	}
	return b[6 : 6+n], nil
}

func marshalRecord(kind recordKind, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return encodeRecord(kind, payload), nil
}

func unmarshalRecord(b []byte, kind recordKind, v any) error {
	payload, err := decodeRecord(b, kind)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
