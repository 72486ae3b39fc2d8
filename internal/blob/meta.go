package blob

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Metadata record field numbers.
const (
	fieldContentType protowire.Number = 1
	fieldSize        protowire.Number = 2
	fieldCreated     protowire.Number = 3
)

var errBadMeta = errors.New("blob: malformed metadata record")

// encodeMeta serializes b's metadata as a protobuf wire message.
func encodeMeta(b Blob) []byte {
	var buf []byte
	if b.ContentType != "" {
		buf = protowire.AppendTag(buf, fieldContentType, protowire.BytesType)
		buf = protowire.AppendString(buf, b.ContentType)
	}
	buf = protowire.AppendTag(buf, fieldSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.Size))
	buf = protowire.AppendTag(buf, fieldCreated, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.Created.UnixNano()))
	return buf
}

// decodeMeta parses a record produced by encodeMeta. Unknown fields are skipped.
func decodeMeta(id string, buf []byte) (Blob, error) {
	b := Blob{ID: id}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Blob{}, fmt.Errorf("%w: %v", errBadMeta, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == fieldContentType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return Blob{}, fmt.Errorf("%w: %v", errBadMeta, protowire.ParseError(n))
			}
			b.ContentType = v
			buf = buf[n:]
		case num == fieldSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Blob{}, fmt.Errorf("%w: %v", errBadMeta, protowire.ParseError(n))
			}
			b.Size = int64(v)
			buf = buf[n:]
		case num == fieldCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Blob{}, fmt.Errorf("%w: %v", errBadMeta, protowire.ParseError(n))
			}
			b.Created = time.Unix(0, int64(v))
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Blob{}, fmt.Errorf("%w: %v", errBadMeta, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return b, nil
}
