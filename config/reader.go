package config

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"

	"go.viam.com/dualstepper/logging"
)

// Read reads a config from the given file, substituting environment variables first.
func Read(filePath string, logger logging.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %q", filePath)
	}

	return FromReader(filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies where, if applicable, the
// file the reader originated from.
func FromReader(originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	var cfg Config
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", originalPath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", originalPath)
	}
	cfg.ConfigFilePath = originalPath
	logger.Debugw("config read", "path", originalPath, "board", cfg.Board.Model, "motors", len(cfg.Motors))
	return &cfg, nil
}
