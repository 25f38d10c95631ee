// Package expand turns an experiment spec into the flat, addressable set of
// configurations a run dispatches.
package expand

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/mpataki/jury/internal/models"
)

// Variation is one assignment of values to a scenario's variables.
type Variation struct {
	Key        string
	Assignment map[string]string
}

// Catalog supplies each scenario's variables and their values.
type Catalog interface {
	Variables(scenarioID string) (map[string][]string, error)
}

type Options struct {
	Seed int64
	// Catalog overrides the variables declared on the spec's scenarios when set.
	Catalog Catalog
	// MaxVariations rejects scenarios whose product exceeds it when sampling is off.
	MaxVariations int
	// Sample keeps at most this many variations per scenario, chosen by seed.
	Sample int
}

func OptionsFor(s *models.Spec) Options {
	opts := Options{Seed: s.Seed}
	if s.Sampling != nil {
		opts.MaxVariations = s.Sampling.MaxVariations
		opts.Sample = s.Sampling.PerScenario
	}
	return opts
}

// Expand produces scenario x variation x judge x mode, in that nesting order.
func Expand(s *models.Spec, opts Options) ([]models.Configuration, error) {
	var out []models.Configuration
	seen := make(map[models.NaturalKey]struct{})

	for _, sc := range s.Scenarios {
		sc, err := opts.resolve(sc)
		if err != nil {
			return nil, err
		}
		variations, err := Variations(sc, opts)
		if err != nil {
			return nil, err
		}
		for _, v := range variations {
			for _, j := range s.Judges {
				for _, m := range s.Modes {
					c := models.Configuration{
						ScenarioID:   sc.ID,
						JudgeID:      j.ID,
						Mode:         m,
						VariationKey: v.Key,
						Assignment:   v.Assignment,
					}
					if _, dup := seen[c.Key()]; dup {
						return nil, fmt.Errorf("duplicate configuration %s", c.Key())
					}
					seen[c.Key()] = struct{}{}
					out = append(out, c)
				}
			}
		}
	}

	return out, nil
}

// CountPlanned returns len(Expand(...)) without materializing assignments.
func CountPlanned(s *models.Spec, opts Options) (int, error) {
	total := 0
	for _, sc := range s.Scenarios {
		sc, err := opts.resolve(sc)
		if err != nil {
			return 0, err
		}
		n, err := variationCount(sc, opts)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total * len(s.Judges) * len(s.Modes), nil
}

func (o Options) resolve(sc models.ScenarioDef) (models.ScenarioDef, error) {
	if o.Catalog == nil {
		return sc, nil
	}
	vars, err := o.Catalog.Variables(sc.ID)
	if err != nil {
		return sc, fmt.Errorf("scenario %q: %w", sc.ID, err)
	}
	sc.Variables = vars
	return sc, nil
}

func Variations(sc models.ScenarioDef, opts Options) ([]Variation, error) {
	names := sortedNames(sc.Variables)
	product := productSize(sc, names)

	if opts.Sample <= 0 && opts.MaxVariations > 0 && product > opts.MaxVariations {
		return nil, fmt.Errorf("scenario %q expands to %d variations (limit %d); enable sampling or reduce variables",
			sc.ID, product, opts.MaxVariations)
	}

	indexes := allIndexes(product)
	if opts.Sample > 0 && product > opts.Sample {
		indexes = sampleIndexes(product, opts.Sample, scenarioSeed(opts.Seed, sc.ID))
	}

	out := make([]Variation, 0, len(indexes))
	for _, idx := range indexes {
		assignment := assignmentAt(sc.Variables, names, idx)
		out = append(out, Variation{Key: VariationKey(assignment), Assignment: assignment})
	}
	return out, nil
}

// VariationKey hashes the sorted name=value pairs; the empty assignment is valid.
func VariationKey(assignment map[string]string) string {
	names := make([]string, 0, len(assignment))
	for name := range assignment {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = name + "=" + assignment[name]
	}
	sum := sha256.Sum256([]byte(strings.Join(pairs, "\x1f")))
	return hex.EncodeToString(sum[:])[:16]
}

// Shuffle returns a seeded permutation so judges interleave during dispatch.
func Shuffle(configs []models.Configuration, seed int64) []models.Configuration {
	out := make([]models.Configuration, len(configs))
	copy(out, configs)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

func variationCount(sc models.ScenarioDef, opts Options) (int, error) {
	product := productSize(sc, sortedNames(sc.Variables))
	if opts.Sample > 0 {
		if product > opts.Sample {
			return opts.Sample, nil
		}
		return product, nil
	}
	if opts.MaxVariations > 0 && product > opts.MaxVariations {
		return 0, fmt.Errorf("scenario %q expands to %d variations (limit %d); enable sampling or reduce variables",
			sc.ID, product, opts.MaxVariations)
	}
	return product, nil
}

func sortedNames(vars map[string][]string) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// productSize saturates instead of overflowing so the runaway guard still trips.
func productSize(sc models.ScenarioDef, names []string) int {
	const ceiling = 1 << 40
	n := 1
	for _, name := range names {
		n *= len(sc.Variables[name])
		if n > ceiling {
			return ceiling
		}
	}
	return n
}

// assignmentAt decodes idx as a mixed-radix number, last variable varying fastest.
func assignmentAt(vars map[string][]string, names []string, idx int) map[string]string {
	assignment := make(map[string]string, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		values := vars[names[i]]
		assignment[names[i]] = values[idx%len(values)]
		idx /= len(values)
	}
	return assignment
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// sampleIndexes picks k distinct indexes in [0,n) and returns them ascending.
func sampleIndexes(n, k int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))
	picked := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for len(out) < k {
		idx := int(rng.Int63n(int64(n)))
		if _, ok := picked[idx]; ok {
			continue
		}
		picked[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func scenarioSeed(seed int64, scenarioID string) int64 {
	sum := sha256.Sum256([]byte(scenarioID))
	var mix int64
	for _, b := range sum[:8] {
		mix = mix<<8 | int64(b)
	}
	return seed ^ mix
}
