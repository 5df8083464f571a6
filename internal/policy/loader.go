package policy

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

type segmentFile struct {
	Segments []model.SegmentPolicy `yaml:"segments"`
}

// LoadFile reads segment policies from a YAML file:
//
//	segments:
//	  - name: new_user
//	    default_channel: sms
//	    max_per_day: 3
//	    opt_out_cooldown: 720h
//	    quiet_hours: {start: "21:00", end: "08:00"}
func LoadFile(path string) ([]model.SegmentPolicy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment policy file: %w", err)
	}
	defer f.Close()

	var doc segmentFile
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode segment policy file %s: %w", path, err)
	}

	for i, p := range doc.Segments {
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
	}

	return doc.Segments, nil
}

// Validate checks a policy for values the engine cannot act on.
func Validate(p model.SegmentPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("segment name is required")
	}
	if !p.DefaultChannel.Valid() {
		return fmt.Errorf("segment %s: invalid default channel %q", p.Name, p.DefaultChannel)
	}
	if p.DefaultFrequency != "" && !p.DefaultFrequency.Valid() {
		return fmt.Errorf("segment %s: invalid default frequency %q", p.Name, p.DefaultFrequency)
	}
	if p.MaxPerDay < 0 || p.MaxPerWeek < 0 {
		return fmt.Errorf("segment %s: caps must be >= 0", p.Name)
	}
	if p.OptOutCooldown < 0 || p.ConsentRetention < 0 || p.AutoOptOutAfter < 0 {
		return fmt.Errorf("segment %s: durations must be >= 0", p.Name)
	}
	return nil
}

// Store is the administrator-managed source of segment policies.
type Store interface {
	ListSegmentPolicies(ctx context.Context) ([]model.SegmentPolicy, error)
}

// Refresher reloads the table from the seed file and the store. Store rows
// override seed entries with the same name.
type Refresher struct {
	table  *Table
	seeds  []model.SegmentPolicy
	store  Store
	logger *zap.Logger
}

// NewRefresher creates a refresher. store may be nil.
func NewRefresher(table *Table, seeds []model.SegmentPolicy, store Store, logger *zap.Logger) *Refresher {
	return &Refresher{table: table, seeds: seeds, store: store, logger: logger}
}

// Refresh rebuilds the table. On store failure the current table is kept.
func (r *Refresher) Refresh(ctx context.Context) error {
	merged := make(map[string]model.SegmentPolicy, len(r.seeds))
	for _, p := range r.seeds {
		merged[p.Name] = p
	}

	if r.store != nil {
		rows, err := r.store.ListSegmentPolicies(ctx)
		if err != nil {
			r.logger.Error("failed to load segment policies, keeping current table", zap.Error(err))
			return fmt.Errorf("list segment policies: %w", err)
		}
		for _, p := range rows {
			if err := Validate(p); err != nil {
				r.logger.Warn("skipping invalid segment policy", zap.Error(err))
				continue
			}
			merged[p.Name] = p
		}
	}

	policies := make([]model.SegmentPolicy, 0, len(merged))
	for _, p := range merged {
		policies = append(policies, p)
	}
	r.table.Replace(policies)

	r.logger.Debug("segment policies refreshed", zap.Int("count", len(policies)))
	return nil
}
