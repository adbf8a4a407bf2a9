// Package provdoc reads and writes the on-disk provenance document: a
// machine-readable YAML header carrying the envelope UR and mark identifier,
// a "---" separator, then advisory comments for human readers. Parsers
// consume only the header block.
package provdoc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/openintegrity/goi/pkg/envelope"
	"github.com/openintegrity/goi/pkg/provenance"
)

// Well-known document locations.
const (
	// Dir is the committed directory provenance documents live under.
	Dir = ".o"
	// InceptionPath is the repository's inception provenance document.
	InceptionPath = ".o/GordianOpenIntegrity.yaml"
)

const (
	schemaRef         = "https://json-schema.org/draft/2020-12/schema"
	envelopeDefRef    = "https://datatracker.ietf.org/doc/draft-mcnally-envelope/"
	markDefRef        = "https://github.com/BlockchainCommons/Research/blob/master/papers/bcr-2025-001-provenance-mark.md"
	headerSeparator   = "\n---"
	defaultContract   = "This document binds the repository to its provenance chain; alterations outside the chain are detectable."
	headerSchemaJSON  = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["envelope", "mark"],
  "properties": {
    "$schema": {"type": "string"},
    "$defs": {"type": "object"},
    "envelope": {"type": "string", "pattern": "^ur:envelope/"},
    "mark": {"type": "string", "pattern": "^[0-9a-f]{8}$"}
  }
}`
)

// ErrMalformedDocument is returned when the header block cannot be parsed.
var ErrMalformedDocument = errors.New("malformed provenance document")

var headerSchema *jsonschema.Schema

func init() {
	s, err := jsonschema.CompileString("provdoc-header.json", headerSchemaJSON)
	if err != nil {
		panic(err)
	}
	headerSchema = s
}

// Header is the machine-readable part of a provenance document.
type Header struct {
	EnvelopeUR string
	MarkID     string
}

// Meta carries the advisory fields rendered after the separator.
type Meta struct {
	DID           string
	CurrentMark   *provenance.Mark
	InceptionMark *provenance.Mark
	Contract      string
}

// Render produces the full document bytes for an envelope and its metadata.
func Render(env *envelope.Envelope, meta Meta) ([]byte, error) {
	urStr, err := env.URString()
	if err != nil {
		return nil, err
	}
	if meta.CurrentMark == nil {
		return nil, errors.New("render requires a current mark")
	}
	contract := meta.Contract
	if contract == "" {
		contract = defaultContract
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "$schema: %q\n", schemaRef)
	sb.WriteString("$defs:\n")
	fmt.Fprintf(&sb, "  envelope:\n    $ref: %q\n", envelopeDefRef)
	fmt.Fprintf(&sb, "  mark:\n    $ref: %q\n", markDefRef)
	fmt.Fprintf(&sb, "envelope: %q\n", urStr)
	fmt.Fprintf(&sb, "mark: %q\n", meta.CurrentMark.Identifier())
	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "# Repository DID: %s\n", meta.DID)
	fmt.Fprintf(&sb, "# Current Mark: %s (%s)\n", meta.CurrentMark.Identifier(), meta.CurrentMark.BytewordsIdentifier())
	if meta.InceptionMark != nil {
		fmt.Fprintf(&sb, "# Inception Mark: %s (%s)\n", meta.InceptionMark.Identifier(), meta.InceptionMark.BytewordsIdentifier())
	}
	for _, line := range strings.Split(strings.TrimRight(env.Format(), "\n"), "\n") {
		fmt.Fprintf(&sb, "# %s\n", line)
	}
	fmt.Fprintf(&sb, "# %s\n", contract)
	return []byte(sb.String()), nil
}

// Write renders the document and writes it to path.
func Write(path string, env *envelope.Envelope, meta Meta) error {
	data, err := Render(env, meta)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Parse extracts the header fields from document bytes. Only the block
// before the "---" separator is read; fields are matched by line prefix.
func Parse(data []byte) (*Header, error) {
	head := string(data)
	if idx := strings.Index(head, headerSeparator); idx >= 0 {
		head = head[:idx]
	}
	h := &Header{}
	for _, line := range strings.Split(head, "\n") {
		switch {
		case strings.HasPrefix(line, "envelope:"):
			h.EnvelopeUR = unquote(strings.TrimSpace(strings.TrimPrefix(line, "envelope:")))
		case strings.HasPrefix(line, "mark:"):
			h.MarkID = unquote(strings.TrimSpace(strings.TrimPrefix(line, "mark:")))
		}
	}
	if h.EnvelopeUR == "" {
		return nil, fmt.Errorf("%w: no envelope field", ErrMalformedDocument)
	}
	if h.MarkID == "" {
		return nil, fmt.Errorf("%w: no mark field", ErrMalformedDocument)
	}
	return h, nil
}

// Read parses the document at path.
func Read(path string) (*Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// ValidateHeader checks the header block against the document schema.
func ValidateHeader(data []byte) error {
	head := string(data)
	if idx := strings.Index(head, headerSeparator); idx >= 0 {
		head = head[:idx]
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(head), &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if err := headerSchema.Validate(normalizeYAML(doc)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return nil
}

// normalizeYAML rewrites yaml.v3 map types into the JSON-shaped values the
// schema validator expects.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
