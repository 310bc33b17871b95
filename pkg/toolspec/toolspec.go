// Package toolspec describes the command-line contract of the external
// alignment and indexing tools.
//
// A tool spec is a small YAML or JSON document naming each binary, its
// argument template, the output artifacts it is expected to produce, and the
// stderr signatures that mark a failure as deterministic. Argument templates
// carry {placeholder} tokens rendered from the input descriptor at invocation
// time, so the adapter code stays free of tool-specific flag knowledge.
package toolspec

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration with YAML/JSON string parsing ("2m", "30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Command describes one external tool invocation contract.
type Command struct {
	// Binary is the executable name or path, resolved against PATH when
	// relative.
	Binary string `yaml:"binary" json:"binary"`

	// Args is the argument template. Tokens of the form {name} are replaced
	// at render time.
	Args []string `yaml:"args" json:"args"`

	// Artifacts are doublestar globs naming the files the tool must produce
	// in its working directory on success.
	Artifacts []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`

	// Timeout bounds a single invocation.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// PermanentSignatures are stderr substrings marking a failure as
	// deterministic.
	PermanentSignatures []string `yaml:"permanent_signatures,omitempty" json:"permanent_signatures,omitempty"`
}

// Render returns the argument list with {name} tokens substituted from vars.
// Unknown tokens are left intact so the tool reports them instead of the
// adapter silently dropping arguments.
func (c Command) Render(vars map[string]string) []string {
	out := make([]string, len(c.Args))
	for i, arg := range c.Args {
		rendered := arg
		for name, value := range vars {
			rendered = strings.ReplaceAll(rendered, "{"+name+"}", value)
		}
		out[i] = rendered
	}
	return out
}

// Spec is the full tool contract for the analysis pipelines.
type Spec struct {
	// Aligner runs the alignment/basecalling decomposition for one read.
	Aligner Command `yaml:"aligner" json:"aligner"`

	// Indexer builds the aligner's index artifact for large references.
	Indexer Command `yaml:"indexer" json:"indexer"`

	// Compressor block-compresses a reference prior to indexing.
	Compressor Command `yaml:"compressor" json:"compressor"`

	// Faidx builds the sequence-offset index consumed alongside the
	// aligner index.
	Faidx Command `yaml:"faidx" json:"faidx"`
}

// Default returns the contract for the stock tracy/samtools toolchain.
func Default() *Spec {
	s := &Spec{}
	s.ApplyDefaults()
	return s
}

// ApplyDefaults fills unset fields with the stock toolchain contract.
func (s *Spec) ApplyDefaults() {
	if s.Aligner.Binary == "" {
		s.Aligner.Binary = "tracy"
	}
	if len(s.Aligner.Args) == 0 {
		s.Aligner.Args = []string{
			"decompose",
			"-v",
			"-p", "0.33",
			"-k", "15",
			"-s", "3",
			"-i", "1000",
			"-g", "-10",
			"-e", "-4",
			"-m", "3",
			"-n", "-5",
			"-t", "0",
			"-q", "{trim_left}",
			"-u", "{trim_right}",
			"-o", "{workdir}/alignment",
			"-r", "{reference}",
			"{read}",
		}
	}
	if len(s.Aligner.Artifacts) == 0 {
		s.Aligner.Artifacts = []string{"alignment.json"}
	}
	if s.Aligner.Timeout == 0 {
		s.Aligner.Timeout = Duration(2 * time.Minute)
	}
	if len(s.Aligner.PermanentSignatures) == 0 {
		s.Aligner.PermanentSignatures = []string{
			"Unknown command",
			"option requires an argument",
		}
	}

	if s.Indexer.Binary == "" {
		s.Indexer.Binary = "tracy"
	}
	if len(s.Indexer.Args) == 0 {
		s.Indexer.Args = []string{"index", "-o", "{index}", "{reference}"}
	}
	if s.Indexer.Timeout == 0 {
		s.Indexer.Timeout = Duration(10 * time.Minute)
	}

	if s.Compressor.Binary == "" {
		s.Compressor.Binary = "bgzip"
	}
	if len(s.Compressor.Args) == 0 {
		s.Compressor.Args = []string{"-k", "-f", "{reference}"}
	}
	if s.Compressor.Timeout == 0 {
		s.Compressor.Timeout = Duration(5 * time.Minute)
	}

	if s.Faidx.Binary == "" {
		s.Faidx.Binary = "samtools"
	}
	if len(s.Faidx.Args) == 0 {
		s.Faidx.Args = []string{"faidx", "{reference}"}
	}
	if s.Faidx.Timeout == 0 {
		s.Faidx.Timeout = Duration(5 * time.Minute)
	}
}

// Validate checks structural requirements after defaults are applied.
func (s *Spec) Validate() error {
	for name, cmd := range map[string]Command{
		"aligner":    s.Aligner,
		"indexer":    s.Indexer,
		"compressor": s.Compressor,
		"faidx":      s.Faidx,
	} {
		if strings.TrimSpace(cmd.Binary) == "" {
			return fmt.Errorf("toolspec: %s.binary is required", name)
		}
		if len(cmd.Args) == 0 {
			return fmt.Errorf("toolspec: %s.args is required", name)
		}
	}
	if len(s.Aligner.Artifacts) == 0 {
		return fmt.Errorf("toolspec: aligner.artifacts is required")
	}
	return nil
}
