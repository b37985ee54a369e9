// Package dotenv loads local development settings from a .env file. Values
// already present in the environment always win, so a deployed process is
// unaffected by a stray file.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadFile reads KEY=VALUE pairs from path into the process environment. A
// missing file is not an error.
func LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	pairs, err := Parse(file)
	if err != nil {
		return fmt.Errorf("parse env file %q: %w", path, err)
	}
	for key, val := range pairs {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set env %q from %q: %w", key, path, err)
		}
	}
	return nil
}

// Parse reads dotenv-style lines: blank lines and # comments are skipped, an
// optional "export " prefix is tolerated and single or double quotes around
// a value are stripped.
func Parse(r io.Reader) (map[string]string, error) {
	pairs := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, val, ok := splitLine(scanner.Text())
		if !ok {
			continue
		}
		pairs[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func splitLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, val, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(val)), true
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
		return val[1 : len(val)-1]
	}
	return val
}
