// Package scenario turns a scenario ID and variable assignment into the text
// and options a judge sees.
package scenario

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"

	"github.com/mpataki/jury/internal/logging"
	"github.com/mpataki/jury/internal/lua"
	"github.com/mpataki/jury/internal/models"
)

// Rendered is one scenario instance ready to be put in front of a judge.
type Rendered struct {
	Text    string
	Options []models.OptionDef
}

type Provider interface {
	Variables(scenarioID string) (map[string][]string, error)
	Render(ctx context.Context, scenarioID string, assignment map[string]string) (*Rendered, error)
}

type entry struct {
	def    models.ScenarioDef
	tmpl   *template.Template
	script *lua.Script
}

// SpecProvider renders the scenarios declared in a spec. Templates and
// scripts are compiled once, up front.
type SpecProvider struct {
	scenarios map[string]*entry
	log       *logrus.Entry
}

func NewSpecProvider(s *models.Spec) (*SpecProvider, error) {
	p := &SpecProvider{
		scenarios: make(map[string]*entry, len(s.Scenarios)),
		log:       logging.For("scenario"),
	}

	for _, sc := range s.Scenarios {
		e := &entry{def: sc}
		switch {
		case sc.Script != "":
			path := sc.Script
			if !filepath.IsAbs(path) {
				path = filepath.Join(s.Dir, path)
			}
			script, err := lua.Load(path)
			if err != nil {
				return nil, fmt.Errorf("scenario %q: %w", sc.ID, err)
			}
			e.script = script
		default:
			tmpl, err := template.New(sc.ID).Option("missingkey=error").Parse(sc.Template)
			if err != nil {
				return nil, fmt.Errorf("scenario %q: invalid template: %w", sc.ID, err)
			}
			e.tmpl = tmpl
		}
		p.scenarios[sc.ID] = e
	}

	return p, nil
}

func (p *SpecProvider) Variables(scenarioID string) (map[string][]string, error) {
	e, ok := p.scenarios[scenarioID]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", scenarioID)
	}
	return e.def.Variables, nil
}

func (p *SpecProvider) Render(ctx context.Context, scenarioID string, assignment map[string]string) (*Rendered, error) {
	e, ok := p.scenarios[scenarioID]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", scenarioID)
	}

	if e.script != nil {
		out, err := e.script.Render(ctx, assignment)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: %w", scenarioID, err)
		}
		for _, line := range out.Logs {
			p.log.WithField("scenario", scenarioID).Debug(line)
		}
		options := out.Options
		if len(options) == 0 {
			options = e.def.Options
		}
		if len(options) < 2 {
			return nil, fmt.Errorf("scenario %q rendered fewer than two options", scenarioID)
		}
		return &Rendered{Text: out.Text, Options: options}, nil
	}

	data := make(map[string]string, len(assignment))
	for k, v := range assignment {
		data[k] = v
	}
	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("scenario %q: render failed: %w", scenarioID, err)
	}
	return &Rendered{Text: strings.TrimSpace(buf.String()), Options: e.def.Options}, nil
}
