package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/captainteodor/vibess/pkg/data"
	"github.com/captainteodor/vibess/pkg/database"
)

// seedCandidate is one entry of a seed file
type seedCandidate struct {
	Owner          string `yaml:"owner"`
	ImageURL       string `yaml:"image_url"`
	Name           string `yaml:"name"`
	Gender         string `yaml:"gender"`
	AgeRange       string `yaml:"age_range"`
	TargetGender   string `yaml:"target_gender"`
	TargetAgeRange string `yaml:"target_age_range"`
	Status         string `yaml:"status"`
}

type seedFileContents struct {
	Candidates []seedCandidate `yaml:"candidates"`
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	candidates, err := readSeedFile(seedFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := database.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer backend.Close(context.Background())

	n, err := seedCandidates(ctx, backend.Ledger, candidates, seedLimit)
	if err != nil {
		return err
	}
	logger.Info("Seeded candidates", zap.Int("count", n), zap.String("file", seedFile))
	return nil
}

// readSeedFile parses and validates every entry before anything is written
func readSeedFile(path string) ([]*data.Candidate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var contents seedFileContents
	if err := yaml.Unmarshal(raw, &contents); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	out := make([]*data.Candidate, 0, len(contents.Candidates))
	activeOwners := make(map[string]int)
	for i, sc := range contents.Candidates {
		c, err := data.NewCandidate(sc.Owner, sc.ImageURL)
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		c.Name = sc.Name
		c.Gender = sc.Gender
		c.AgeRange = sc.AgeRange
		c.TargetGender = sc.TargetGender
		c.TargetAgeRange = sc.TargetAgeRange
		if sc.Status != "" {
			c.Status = data.CandidateStatus(sc.Status)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		if c.Status == data.StatusActive {
			if prev, ok := activeOwners[c.OwnerID]; ok {
				return nil, fmt.Errorf("candidate %d: owner %q already has active candidate %d", i, c.OwnerID, prev)
			}
			activeOwners[c.OwnerID] = i
		}
		out = append(out, c)
	}
	return out, nil
}

func seedCandidates(ctx context.Context, ledger data.Ledger, candidates []*data.Candidate, limit int) (int, error) {
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if err := ledger.SaveCandidate(gctx, c); err != nil {
				return fmt.Errorf("saving candidate %s: %w", c.ImageURL, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(candidates), nil
}
