// Package config holds the settings of an extraction run.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/dcsobral/customer-tools/pkg/jsonpath"
	"github.com/dcsobral/customer-tools/pkg/scan"
	"github.com/dcsobral/customer-tools/pkg/transcode"
)

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = xerrors.New("invalid configuration")

type Config struct {
	Source  string            `yaml:"source" validate:"required"`
	Table   string            `yaml:"table" validate:"required"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout" validate:"gte=0"`

	BatchSize int `yaml:"batchSize" validate:"gte=1"`
	// Total is the number of items to extract. Zero or less extracts nothing.
	Total int `yaml:"total"`
	// All extracts the whole table, ignoring Total.
	All     bool `yaml:"all"`
	Workers int  `yaml:"workers" validate:"gte=1,lte=256"`

	BinaryPath    string `yaml:"binaryPath" validate:"required,jsonpath"`
	TextPath      string `yaml:"textPath" validate:"required,jsonpath"`
	BinaryDefault string `yaml:"binaryDefault" validate:"required"`
	TextDefault   string `yaml:"textDefault" validate:"required"`

	Quiet   bool `yaml:"quiet"`
	NoTimer bool `yaml:"noTimer"`
	Bar     bool `yaml:"bar"`
	Verbose bool `yaml:"verbose"`
}

func Default() Config {
	return Config{
		Source:        "http://localhost:8000",
		Table:         "projects",
		Timeout:       time.Minute,
		BatchSize:     scan.DefaultBatchSize,
		Total:         100,
		Workers:       1,
		BinaryPath:    transcode.DefaultBinaryPath,
		TextPath:      transcode.DefaultTextPath,
		BinaryDefault: transcode.DefaultBinaryLiteral,
		TextDefault:   transcode.DefaultTextLiteral,
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, xerrors.Errorf("unable to open config: %w", err)
	}
	defer f.Close()

	d := yaml.NewDecoder(f)
	d.KnownFields(true)
	if err = d.Decode(&cfg); err != nil {
		return Config{}, xerrors.Errorf("unable to decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration. The error lists every invalid field.
func (c Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
	})
	if err := v.RegisterValidation("jsonpath", validatePath); err != nil {
		return xerrors.Errorf("unable to register validator: %w", err)
	}

	err := v.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return xerrors.Errorf("%s: %w", strings.Join(msgs, "; "), ErrInvalid)
}

// Paths returns the parsed payload paths.
func (c Config) Paths() (transcode.PathSpec, transcode.PathSpec, error) {
	binary, err := jsonpath.Parse(c.BinaryPath)
	if err != nil {
		return transcode.PathSpec{}, transcode.PathSpec{}, err
	}
	text, err := jsonpath.Parse(c.TextPath)
	if err != nil {
		return transcode.PathSpec{}, transcode.PathSpec{}, err
	}
	return transcode.PathSpec{Path: binary, Default: c.BinaryDefault},
		transcode.PathSpec{Path: text, Default: c.TextDefault}, nil
}

func validatePath(fl validator.FieldLevel) bool {
	_, err := jsonpath.Parse(fl.Field().String())
	return err == nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "jsonpath":
		return fmt.Sprintf("%s %q is not a valid path", fe.Field(), fe.Value())
	}
	return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
}
