// Package plan enumerates extraction work into deterministic, versioned plans.
package plan

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

// Request captures the inputs of one plan generation.
type Request struct {
	Start         time.Time
	End           time.Time
	Environment   string
	ConfigVersion string
	Catalog       []harvest.Endpoint
}

// Plan is the enumerated task set before persistence.
type Plan struct {
	Version harvest.PlanVersion
	Tasks   []harvest.Task
}

// Generator builds plans and persists them through a PlanStore.
type Generator struct {
	store  harvest.PlanStore
	clock  harvest.Clock
	logger *zap.Logger
}

// NewGenerator constructs a Generator.
func NewGenerator(store harvest.PlanStore, clock harvest.Clock, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{store: store, clock: clock, logger: logger}
}

// Preview validates the request and enumerates the plan without persisting it.
func (g *Generator) Preview(req Request) (Plan, error) {
	env, err := harvest.ParseEnvironment(req.Environment)
	if err != nil {
		return Plan{}, err
	}
	start, end := truncateDay(req.Start), truncateDay(req.End)
	if end.Before(start) {
		return Plan{}, &harvest.InvalidRangeError{Start: start, End: end}
	}

	now := g.clock.Now()
	var tasks []harvest.Task
	ids := make([]string, 0)
	seen := make(map[string]struct{})
	for _, ep := range req.Catalog {
		if !ep.Active {
			continue
		}
		buckets, err := Buckets(start, end, ep.Granularity)
		if err != nil {
			return Plan{}, fmt.Errorf("endpoint %s: %w", ep.Name, err)
		}
		for _, bucket := range buckets {
			for _, variant := range variantsOf(ep) {
				id := TaskID(ep.Name, bucket, variant)
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
				tasks = append(tasks, harvest.Task{
					ID:           id,
					EndpointName: ep.Name,
					DataDate:     bucket,
					Variant:      variant,
					Status:       harvest.TaskPending,
					CreatedAt:    now,
					UpdatedAt:    now,
				})
			}
		}
	}

	fingerprint := Fingerprint(ids, req.ConfigVersion)
	for i := range tasks {
		tasks[i].PlanFingerprint = fingerprint
	}
	return Plan{
		Version: harvest.PlanVersion{
			Fingerprint:    fingerprint,
			Environment:    env,
			DateRangeStart: start,
			DateRangeEnd:   end,
			GeneratedAt:    now,
			ConfigVersion:  req.ConfigVersion,
			TaskCount:      len(tasks),
		},
		Tasks: tasks,
	}, nil
}

// Generate enumerates the plan and persists it. Tasks already present keep their
// status; a generation event is recorded even when nothing new was created.
func (g *Generator) Generate(ctx context.Context, req Request) (harvest.PlanVersion, error) {
	p, err := g.Preview(req)
	if err != nil {
		return harvest.PlanVersion{}, err
	}
	saved, err := g.store.SavePlan(ctx, p.Version, p.Tasks)
	if err != nil {
		return harvest.PlanVersion{}, fmt.Errorf("save plan: %w", err)
	}
	g.logger.Info("plan generated",
		zap.String("fingerprint", saved.Fingerprint),
		zap.Int64("plan_version", saved.Version),
		zap.Int("task_count", saved.TaskCount),
		zap.Int("new_tasks", saved.NewTaskCount),
		zap.String("environment", string(saved.Environment)),
	)
	return saved, nil
}

func variantsOf(ep harvest.Endpoint) []*string {
	if len(ep.Variants) == 0 {
		return []*string{nil}
	}
	out := make([]*string, 0, len(ep.Variants))
	for _, v := range ep.Variants {
		v := v
		out = append(out, &v)
	}
	return out
}
