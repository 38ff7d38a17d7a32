// Package jsonl reads and writes JSON values one per line.
package jsonl

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/xerrors"

	"github.com/dcsobral/customer-tools/pkg/types"
)

// Unmarshal decodes exactly one JSON value from data. Numbers are kept as
// json.Number so they are written back unchanged.
func Unmarshal(data []byte) (any, error) {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()

	var v any
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := d.Token(); !errors.Is(err, io.EOF) {
		return nil, xerrors.New("unexpected data after top-level value")
	}
	return v, nil
}

// Encoder writes compact JSON values terminated by a newline.
type Encoder struct {
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

func (e *Encoder) Encode(v any) error {
	if err := e.enc.Encode(v); err != nil {
		return xerrors.Errorf("json encode error: %w", err)
	}
	return nil
}

// Marshal returns the compact encoding of v without the trailing newline.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ReadRecords decodes a stream of JSON objects and calls fn for each one.
// Values may be separated by any whitespace.
func ReadRecords(r io.Reader, fn func(rec types.Record) error) error {
	d := json.NewDecoder(r)
	d.UseNumber()
	for n := 1; ; n++ {
		var rec types.Record
		if err := d.Decode(&rec); errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return xerrors.Errorf("record %d: json decode error: %w", n, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
