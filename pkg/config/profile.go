package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StageTuning overrides one stage's scheduling knobs. Zero values
// mean "keep the default".
type StageTuning struct {
	BatchSize     int `yaml:"batch_size" json:"batch_size"`
	SleepSeconds  int `yaml:"sleep_seconds" json:"sleep_seconds"`
	WorkerFanout  int `yaml:"worker_fanout" json:"worker_fanout"`
	TimeoutSecond int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// PipelineProfile is a YAML document of per-stage tuning overrides,
// keyed by stage name (license, download, scan, approval, publish).
type PipelineProfile struct {
	Name   string                 `yaml:"name" json:"name"`
	Stages map[string]StageTuning `yaml:"stages" json:"stages"`
}

// LoadProfile reads a pipeline profile YAML from path. A missing
// path returns an empty profile, not an error: profiles are optional.
func LoadProfile(path string) (*PipelineProfile, error) {
	if path == "" {
		return &PipelineProfile{Stages: map[string]StageTuning{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load pipeline profile %q: %w", path, err)
	}

	var profile PipelineProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse pipeline profile %q: %w", path, err)
	}
	if profile.Stages == nil {
		profile.Stages = map[string]StageTuning{}
	}
	return &profile, nil
}

// Apply layers the profile's overrides for stage name over the given
// defaults and returns the effective values.
func (p *PipelineProfile) Apply(stage string, batch int, sleep, timeout time.Duration, fanout int) (int, time.Duration, time.Duration, int) {
	t, ok := p.Stages[stage]
	if !ok {
		return batch, sleep, timeout, fanout
	}
	if t.BatchSize > 0 {
		batch = t.BatchSize
	}
	if t.SleepSeconds > 0 {
		sleep = time.Duration(t.SleepSeconds) * time.Second
	}
	if t.TimeoutSecond > 0 {
		timeout = time.Duration(t.TimeoutSecond) * time.Second
	}
	if t.WorkerFanout > 0 {
		fanout = t.WorkerFanout
	}
	return batch, sleep, timeout, fanout
}
