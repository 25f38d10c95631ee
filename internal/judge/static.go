package judge

import (
	"context"
	"hash/fnv"

	"github.com/mpataki/jury/internal/models"
)

// Static answers deterministically without any network call. It is meant
// for smoke runs of a spec before spending on real providers.
type Static struct {
	id string
}

func NewStatic(id string) *Static {
	return &Static{id: id}
}

func (s *Static) ID() string {
	return s.id
}

func (s *Static) Decide(ctx context.Context, req Request) (*models.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}
	if len(req.Options) == 0 {
		return nil, Permanent(errNoOptions)
	}

	h := fnv.New32a()
	h.Write([]byte(s.id))
	h.Write([]byte{0})
	h.Write([]byte(req.Mode))
	h.Write([]byte{0})
	h.Write([]byte(req.Text))
	sum := h.Sum32()

	return &models.Decision{
		ChoiceID:   req.Options[int(sum%uint32(len(req.Options)))].ID,
		Confidence: float64(sum%101) / 100,
		Difficulty: int(sum%10) + 1,
		Rationale:  "static judge",
		Model:      "static",
	}, nil
}
