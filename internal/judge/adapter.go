// Package judge defines the adapter the engine uses to obtain one decision
// from an external reasoning service, and the adapters it ships with.
package judge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mpataki/jury/internal/models"
)

// Request is one rendered configuration presented to a judge.
type Request struct {
	ScenarioID string
	Text       string
	Mode       models.Mode
	Options    []models.OptionDef
}

// Adapter must be safe to call repeatedly for the same request and must have
// no side effects beyond the call itself.
type Adapter interface {
	ID() string
	Decide(ctx context.Context, req Request) (*models.Decision, error)
}

// Registry resolves judge IDs from the spec to adapters.
type Registry map[string]Adapter

func (r Registry) Get(id string) (Adapter, error) {
	a, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for judge %q", id)
	}
	return a, nil
}

func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Credentials supplies the endpoint and key for a judge definition.
type Credentials func(def models.JudgeDef) (baseURL, apiKey string)

// BuildRegistry creates one adapter per judge in the spec.
func BuildRegistry(defs []models.JudgeDef, creds Credentials, timeout time.Duration) (Registry, error) {
	reg := make(Registry, len(defs))
	for _, def := range defs {
		switch def.Provider {
		case "static":
			reg[def.ID] = NewStatic(def.ID)
		case "openai", "":
			baseURL, apiKey := creds(def)
			if baseURL == "" {
				return nil, fmt.Errorf("judge %q has no base URL configured", def.ID)
			}
			reg[def.ID] = NewHTTPJudge(def, baseURL, apiKey, timeout)
		default:
			return nil, fmt.Errorf("judge %q: unknown provider %q", def.ID, def.Provider)
		}
	}
	return reg, nil
}

func validChoice(options []models.OptionDef, id string) bool {
	for _, o := range options {
		if o.ID == id {
			return true
		}
	}
	return false
}
