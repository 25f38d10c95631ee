package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mpataki/jury/internal/models"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxVariations = 4096
	DefaultProvider      = "openai"
)

var validate = validator.New()

// Loaded is a parsed spec together with the hash of the exact bytes it came from.
type Loaded struct {
	Spec *models.Spec
	Path string
	Hash string
}

func Load(path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve spec path: %w", err)
	}
	s.Dir = filepath.Dir(abs)

	return &Loaded{Spec: s, Path: abs, Hash: Hash(data)}, nil
}

func Parse(data []byte) (*models.Spec, error) {
	var s models.Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse spec YAML: %w", err)
	}

	applyDefaults(&s)

	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func applyDefaults(s *models.Spec) {
	if s.Sampling == nil {
		s.Sampling = &models.Sampling{}
	}
	if s.Sampling.MaxVariations == 0 {
		s.Sampling.MaxVariations = DefaultMaxVariations
	}
	if s.Settings == nil {
		s.Settings = &models.Settings{}
	}
	for i := range s.Judges {
		if s.Judges[i].Provider == "" {
			s.Judges[i].Provider = DefaultProvider
		}
	}
	for i, m := range s.Modes {
		s.Modes[i] = models.Mode(strings.ToLower(strings.TrimSpace(string(m))))
	}
}

func Validate(s *models.Spec) error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid spec: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid spec: %w", err)
	}

	for _, sc := range s.Scenarios {
		if sc.Template == "" && sc.Script == "" {
			return fmt.Errorf("scenario %q must define a template or a script", sc.ID)
		}
		if sc.Template != "" && sc.Script != "" {
			return fmt.Errorf("scenario %q defines both a template and a script", sc.ID)
		}
		if sc.Script == "" && len(sc.Options) < 2 {
			return fmt.Errorf("scenario %q needs at least two options", sc.ID)
		}
		for name := range sc.Variables {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("scenario %q has an unnamed variable", sc.ID)
			}
		}
	}

	for _, j := range s.Judges {
		if j.Provider == "openai" && j.Model == "" {
			return fmt.Errorf("judge %q must name a model", j.ID)
		}
		if strings.Contains(j.ID, "|") {
			return fmt.Errorf("judge id %q must not contain '|'", j.ID)
		}
	}

	return nil
}
