package onetime

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const recordVersionV1 = 1

// Record is one issued one-time token row. SecretHash is the SHA-256 of the
// secret half; request/use IP and user agent are audit-only and truncated
// before storage. UsedAt is zero until the single successful consume.
type Record struct {
	TokenID    string
	UserID     string
	SecretHash [32]byte

	CreatedAt int64
	ExpiresAt int64
	UsedAt    int64

	RequestedIP string
	RequestedUA string
	UsedIP      string
	UsedUA      string
}

func encodeRecord(rec *Record) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.UsedAt); err != nil {
		return nil, err
	}

	for _, s := range []string{rec.UserID, rec.RequestedIP, rec.RequestedUA, rec.UsedIP, rec.UsedUA} {
		if len(s) > 65535 {
			return nil, errors.New("one-time record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(s))); err != nil {
			return nil, err
		}
		buf.WriteString(s)
	}

	buf.Write(rec.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordVersionV1 {
		return nil, errors.New("invalid one-time record version")
	}

	rec := &Record{}

	if err := binary.Read(reader, binary.BigEndian, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.UsedAt); err != nil {
		return nil, err
	}

	for _, dst := range []*string{&rec.UserID, &rec.RequestedIP, &rec.RequestedUA, &rec.UsedIP, &rec.UsedUA} {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*dst = string(raw)
	}

	if _, err := io.ReadFull(reader, rec.SecretHash[:]); err != nil {
		return nil, err
	}

	return rec, nil
}
