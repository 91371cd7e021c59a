package scrape

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

// Source discovers raw lead candidates.
type Source interface {
	Name() string
	Discover(ctx context.Context, limit int) ([]domain.LeadCandidate, error)
}

// DummySource yields a fixed set of fictional salons for local runs without
// provider credentials.
type DummySource struct{}

const dummyLeadCount = 10

func (DummySource) Name() string { return "dummy" }

func (DummySource) Discover(_ context.Context, limit int) ([]domain.LeadCandidate, error) {
	n := dummyLeadCount
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.LeadCandidate, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, domain.LeadCandidate{
			Name:     fmt.Sprintf("Lash Salon %d", i),
			Phone:    fmt.Sprintf("+1555010%04d", i),
			Category: "Lash Salon",
			Address:  fmt.Sprintf("%d Main St, NYC", i),
		})
	}
	return out, nil
}

// FileSource reads candidates from a YAML document, either a bare list or a
// mapping with a "leads" key. The file is re-read on every discovery.
type FileSource struct {
	Path string
}

type leadFile struct {
	Leads []domain.LeadCandidate `yaml:"leads"`
}

func (f FileSource) Name() string { return "file" }

func (f FileSource) Discover(ctx context.Context, limit int) ([]domain.LeadCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("scrape: read %s: %w", f.Path, err)
	}

	var candidates []domain.LeadCandidate
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("scrape: parse %s: %w", f.Path, err)
	}
	if len(doc.Content) > 0 && doc.Content[0].Kind == yaml.SequenceNode {
		err = doc.Content[0].Decode(&candidates)
	} else {
		var wrapped leadFile
		err = doc.Decode(&wrapped)
		candidates = wrapped.Leads
	}
	if err != nil {
		return nil, fmt.Errorf("scrape: decode %s: %w", f.Path, err)
	}

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}
