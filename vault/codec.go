// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
)

// maxRecordField bounds a single variable length field of a stored record.
const maxRecordField = 4 * 1024 * 1024

// recordWriter serializes record fields using the bitcoin wire variable length
// encodings.  The first error is sticky and reported by finish.
type recordWriter struct {
	buf bytes.Buffer
	err error
}

func (w *recordWriter) bytes(b []byte) {
	if w.err == nil {
		w.err = wire.WriteVarBytes(&w.buf, 0, b)
	}
}

func (w *recordWriter) string(s string) {
	if w.err == nil {
		w.err = wire.WriteVarString(&w.buf, 0, s)
	}
}

func (w *recordWriter) uint64(u uint64) {
	if w.err == nil {
		w.err = wire.WriteVarInt(&w.buf, 0, u)
	}
}

func (w *recordWriter) int64(i int64) {
	w.uint64(uint64(i))
}

func (w *recordWriter) bool(b bool) {
	if b {
		w.uint64(1)
	} else {
		w.uint64(0)
	}
}

func (w *recordWriter) finish() ([]byte, error) {
	if w.err != nil {
		return nil, errors.E(errors.Encoding, w.err)
	}
	return w.buf.Bytes(), nil
}

// recordReader is the decoding counterpart of recordWriter.
type recordReader struct {
	r   *bytes.Reader
	err error
}

func newRecordReader(b []byte) *recordReader {
	return &recordReader{r: bytes.NewReader(b)}
}

func (r *recordReader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	var b []byte
	b, r.err = wire.ReadVarBytes(r.r, 0, maxRecordField, "field")
	return b
}

func (r *recordReader) string() string {
	if r.err != nil {
		return ""
	}
	var s string
	s, r.err = wire.ReadVarString(r.r, 0)
	return s
}

func (r *recordReader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	var u uint64
	u, r.err = wire.ReadVarInt(r.r, 0)
	return u
}

func (r *recordReader) int64() int64 {
	return int64(r.uint64())
}

func (r *recordReader) bool() bool {
	return r.uint64() != 0
}

func (r *recordReader) finish(what string) error {
	if r.err != nil {
		return errors.E(errors.Encoding, errors.Errorf("malformed %s record: %v", what, r.err))
	}
	return nil
}
