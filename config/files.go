package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/talkbus/errors"
)

// File limits. Configuration layers and profile files are small; anything
// past these bounds is rejected before it is decoded.
const (
	maxFileSize   = 1 << 20
	maxNesting    = 32
	maxEnvValue   = 4096
	maxPathLength = 4096
)

//go:embed schema.json
var layerSchemaJSON []byte

var layerSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(layerSchemaJSON))
})

// readBounded reads a regular file of at most maxFileSize bytes whose
// extension is one of exts
func readBounded(path string, exts ...string) ([]byte, error) {
	if path == "" || len(path) > maxPathLength {
		return nil, fmt.Errorf("%w: file path length %d", errors.ErrInvalidConfig, len(path))
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !contains(exts, ext) {
		return nil, fmt.Errorf("%w: %s is not one of %s", errors.ErrInvalidConfig, path, strings.Join(exts, ", "))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, path, info.Size(), maxFileSize)
	}

	// The file may grow between Stat and read
	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", errors.ErrInvalidConfig, path, maxFileSize)
	}
	return data, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// checkJSONNesting walks the token stream and rejects documents nested deeper
// than maxNesting
func checkJSONNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Join(errors.ErrParsingFailed, err)
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxNesting {
				return fmt.Errorf("%w: nesting deeper than %d", errors.ErrInvalidConfig, maxNesting)
			}
		case '}', ']':
			depth--
		}
	}
}

// checkYAMLNesting rejects YAML documents nested deeper than maxNesting.
// Aliases are not followed.
func checkYAMLNesting(data []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return errors.Join(errors.ErrParsingFailed, err)
	}
	if d := nodeDepth(&root, 0); d > maxNesting {
		return fmt.Errorf("%w: nesting deeper than %d", errors.ErrInvalidConfig, maxNesting)
	}
	return nil
}

func nodeDepth(n *yaml.Node, depth int) int {
	if depth > maxNesting {
		return depth
	}
	deepest := depth
	for _, child := range n.Content {
		next := depth
		if child.Kind == yaml.MappingNode || child.Kind == yaml.SequenceNode {
			next++
		}
		if d := nodeDepth(child, next); d > deepest {
			deepest = d
		}
	}
	return deepest
}

// checkLayerSchema validates one configuration layer against the embedded
// schema. Layers are partial, so no field is required.
func checkLayerSchema(data []byte) error {
	schema, err := layerSchema()
	if err != nil {
		return fmt.Errorf("compile layer schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.Join(errors.ErrParsingFailed, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; "))
}

// checkEnvValue bounds an environment override
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, key, len(value), maxEnvValue)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%w: %s contains a NUL byte", errors.ErrInvalidConfig, key)
	}
	return nil
}
