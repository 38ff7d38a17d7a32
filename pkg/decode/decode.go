// Package decode turns payloads embedded in table items into JSON values.
//
// Two encodings are supported: compressed binary (base64 of gzip of JSON, as
// stored in DynamoDB binary attributes) and plain JSON text.
package decode

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/xerrors"

	"github.com/dcsobral/customer-tools/pkg/jsonl"
)

// Stage identifies the step of a decode that failed.
type Stage string

const (
	StageBase64     Stage = "base64"
	StageDecompress Stage = "decompress"
	StageParse      Stage = "parse"
)

// Error is returned by every decoder in this package.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage: %s", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) *Error {
	return &Error{Stage: stage, Err: err}
}

// Func decodes a raw value read from a record.
type Func func(raw any) (any, error)

// CompressedBinary decodes base64 text holding gzip-compressed JSON.
func CompressedBinary(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, stageError(StageBase64, xerrors.Errorf("expected base64 string, got %T", raw))
	}

	compressed, err := decodeBase64(s)
	if err != nil {
		return nil, stageError(StageBase64, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, stageError(StageDecompress, err)
	}
	defer zr.Close()

	// Reading to EOF verifies the gzip trailer checksum.
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, stageError(StageDecompress, err)
	}

	v, err := jsonl.Unmarshal(data)
	if err != nil {
		return nil, stageError(StageParse, err)
	}
	return v, nil
}

// TextJSON decodes a string holding JSON text.
func TextJSON(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, stageError(StageParse, xerrors.Errorf("expected JSON string, got %T", raw))
	}
	v, err := jsonl.Unmarshal([]byte(s))
	if err != nil {
		return nil, stageError(StageParse, err)
	}
	return v, nil
}

// decodeBase64 accepts padded and unpadded standard encoding. Whitespace is
// ignored.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	enc := base64.StdEncoding
	if len(s)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	b, err := enc.DecodeString(s)
	if err != nil {
		return nil, xerrors.Errorf("invalid base64: %w", err)
	}
	return b, nil
}

// SelfCheck verifies that the default literals used for absent payloads
// decode cleanly.
func SelfCheck(binaryDefault, textDefault string) error {
	if _, err := CompressedBinary(binaryDefault); err != nil {
		return xerrors.Errorf("binary default %q: %w", binaryDefault, err)
	}
	if _, err := TextJSON(textDefault); err != nil {
		return xerrors.Errorf("text default %q: %w", textDefault, err)
	}
	return nil
}
