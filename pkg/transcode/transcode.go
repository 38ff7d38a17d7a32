package transcode

import (
	"golang.org/x/xerrors"

	"github.com/dcsobral/customer-tools/pkg/decode"
	"github.com/dcsobral/customer-tools/pkg/jsonpath"
	"github.com/dcsobral/customer-tools/pkg/types"
)

const (
	// DefaultBinaryPath and DefaultTextPath locate the payloads in a raw
	// DynamoDB item.
	DefaultBinaryPath = ".projectBinaryData.B"
	DefaultTextPath   = ".projectData.S"

	// DefaultBinaryLiteral is the base64 of a gzip-compressed "{}".
	DefaultBinaryLiteral = "H4sIAAAAAAAC/6uuBQBDv6ajAgAAAA=="
	DefaultTextLiteral   = "{}"
)

// PathSpec locates one payload inside a record. Default stands in for the
// raw payload when the path is absent.
type PathSpec struct {
	Path    jsonpath.Path
	Default string
}

// Raw returns the raw value at the path, or Default when it is absent.
func (s PathSpec) Raw(rec types.Record) (any, bool) {
	if v, ok := s.Path.Get(rec); ok {
		return v, true
	}
	return s.Default, false
}

// Outcome is the result of transcoding one record
type Outcome struct {
	// Record is the rewritten record. Nil when the record failed.
	Record types.Record
	// Raw is the undecoded record. Only set when the record failed.
	Raw types.Record
	// Path is the path whose payload failed to decode.
	Path string
	Err  error
}

func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Stage returns the decode stage that failed, if any.
func (o Outcome) Stage() decode.Stage {
	var decodeErr *decode.Error
	if xerrors.As(o.Err, &decodeErr) {
		return decodeErr.Stage
	}
	return ""
}

// Transcoder decodes the binary and text payloads of records in place.
type Transcoder struct {
	Binary PathSpec
	Text   PathSpec
}

func New(binary, text PathSpec) Transcoder {
	return Transcoder{Binary: binary, Text: text}
}

// Transcode decodes both payloads of rec. The record is rewritten only when
// every present payload decodes; otherwise it is returned untouched as a
// failed outcome. The binary payload is checked first and the first failure
// wins.
func (t Transcoder) Transcode(rec types.Record) Outcome {
	steps := []struct {
		spec   PathSpec
		decode decode.Func
	}{
		{spec: t.Binary, decode: decode.CompressedBinary},
		{spec: t.Text, decode: decode.TextJSON},
	}

	decoded := make([]any, len(steps))
	present := make([]bool, len(steps))
	for i, s := range steps {
		raw, ok := s.spec.Raw(rec)
		if !ok {
			continue
		}
		v, err := s.decode(raw)
		if err != nil {
			return Outcome{
				Raw:  rec,
				Path: s.spec.Path.String(),
				Err:  xerrors.Errorf("%s: %w", s.spec.Path, err),
			}
		}
		decoded[i], present[i] = v, true
	}

	for i, s := range steps {
		if present[i] {
			s.spec.Path.Set(rec, decoded[i])
		}
	}
	return Outcome{Record: rec}
}
