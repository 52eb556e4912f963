package runtimes

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Options are the parsed runtime options of a configuration string.
type Options map[string]string

// ParseOptions parses the "<runtime_options>" part of a configuration string: a
// comma-separated list of key=value pairs, e.g. "events=1024,memory=512MiB".
func ParseOptions(config string) (Options, error) {
	opts := make(Options)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found || key == "" {
			return nil, errors.Errorf("malformed option %q, want key=value", part)
		}
		opts[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return opts, nil
}

// Int returns the option key as an int, or def if absent.
func (o Options) Int(key string, def int) (int, error) {
	value, found := o[key]
	if !found {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "option %s=%q", key, value)
	}
	return n, nil
}

// Bytes returns the option key as a byte size ("512MiB", "1GB", plain digits), or def
// if absent.
func (o Options) Bytes(key string, def int64) (int64, error) {
	value, found := o[key]
	if !found {
		return def, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "option %s=%q", key, value)
	}
	return int64(n), nil
}
