// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostselect implements the pluggable rank functions
// (spec.md §4.10) auto stop-restart uses to pick a healthy alternate
// run host: random, load average over a window, free memory, and free
// disk space on a path. Every rank probes the candidate host over the
// same executor.Transport the Remote Executor already uses, rather
// than opening a second connection mechanism.
package hostselect

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/tombee/cyclone/internal/executor"
)

// RankFunc scores a candidate host; lower means more available.
type RankFunc func(ctx context.Context, host string) (float64, error)

// Rank pairs a scoring function with the threshold a candidate's
// score must not exceed to be eligible (zero threshold means no
// filtering, only ranking).
type Rank struct {
	Name      string
	Threshold float64
	Score     RankFunc
}

// Prober runs the remote commands each rank function needs, reusing
// the Remote Executor's transport and its configured run-as user.
type Prober struct {
	Transport executor.Transport
	User      string
}

func (p *Prober) run(ctx context.Context, host string, argv []string) (string, error) {
	code, stdout, stderr, err := p.Transport.Run(ctx, host, p.User, argv, "")
	if err != nil {
		return "", fmt.Errorf("hostselect: probe %s: %w", host, err)
	}
	if code != 0 {
		return "", fmt.Errorf("hostselect: probe %s exited %d: %s", host, code, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

// Parse builds a Rank from spec.md's rank syntax: "random",
// "load:1"|"load:5"|"load:15", "memory", "disk-space:PATH". threshold
// is applied on top of the parsed rank (0 disables filtering).
func Parse(spec string, threshold float64, prober *Prober) (Rank, error) {
	switch {
	case spec == "random":
		return Rank{Name: spec, Threshold: threshold, Score: randomScore}, nil

	case strings.HasPrefix(spec, "load:"):
		idx, err := loadAvgIndex(strings.TrimPrefix(spec, "load:"))
		if err != nil {
			return Rank{}, err
		}
		return Rank{Name: spec, Threshold: threshold, Score: prober.loadAvgScore(idx)}, nil

	case spec == "memory":
		return Rank{Name: spec, Threshold: threshold, Score: prober.memoryScore}, nil

	case strings.HasPrefix(spec, "disk-space:"):
		path := strings.TrimPrefix(spec, "disk-space:")
		if path == "" {
			return Rank{}, fmt.Errorf("hostselect: disk-space rank needs a path")
		}
		return Rank{Name: spec, Threshold: threshold, Score: prober.diskSpaceScore(path)}, nil

	default:
		return Rank{}, fmt.Errorf("hostselect: unknown rank %q", spec)
	}
}

func randomScore(ctx context.Context, host string) (float64, error) {
	return rand.Float64(), nil
}

func loadAvgIndex(window string) (int, error) {
	switch window {
	case "1":
		return 0, nil
	case "5":
		return 1, nil
	case "15":
		return 2, nil
	default:
		return 0, fmt.Errorf("hostselect: load window must be 1, 5, or 15, got %q", window)
	}
}

// loadAvgScore reads /proc/loadavg on host and returns the averaging
// window at idx (0=1min, 1=5min, 2=15min).
func (p *Prober) loadAvgScore(idx int) RankFunc {
	return func(ctx context.Context, host string) (float64, error) {
		out, err := p.run(ctx, host, []string{"cat", "/proc/loadavg"})
		if err != nil {
			return 0, err
		}
		fields := strings.Fields(out)
		if len(fields) <= idx {
			return 0, fmt.Errorf("hostselect: unexpected /proc/loadavg output from %s: %q", host, out)
		}
		v, err := strconv.ParseFloat(fields[idx], 64)
		if err != nil {
			return 0, fmt.Errorf("hostselect: parse loadavg from %s: %w", host, err)
		}
		return v, nil
	}
}

// memoryScore reads /proc/meminfo on host and scores by the fraction
// of total memory currently used (lower is more available).
func (p *Prober) memoryScore(ctx context.Context, host string) (float64, error) {
	out, err := p.run(ctx, host, []string{"cat", "/proc/meminfo"})
	if err != nil {
		return 0, err
	}
	var total, available float64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("hostselect: could not parse /proc/meminfo from %s", host)
	}
	return (total - available) / total, nil
}

// diskSpaceScore runs `df -P path` on host and scores by the
// reported "Use%" column (lower is more available).
func (p *Prober) diskSpaceScore(path string) RankFunc {
	return func(ctx context.Context, host string) (float64, error) {
		out, err := p.run(ctx, host, []string{"df", "-P", path})
		if err != nil {
			return 0, err
		}
		lines := strings.Split(strings.TrimSpace(out), "\n")
		if len(lines) < 2 {
			return 0, fmt.Errorf("hostselect: unexpected df output from %s: %q", host, out)
		}
		fields := strings.Fields(lines[len(lines)-1])
		if len(fields) < 5 {
			return 0, fmt.Errorf("hostselect: unexpected df columns from %s: %q", host, lines[len(lines)-1])
		}
		pct := strings.TrimSuffix(fields[4], "%")
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return 0, fmt.Errorf("hostselect: parse df use%% from %s: %w", host, err)
		}
		return v, nil
	}
}

// Selector ranks Hosts with Rank and returns the lowest-scoring
// candidate not in Condemned, implementing scheduler.HostSelector.
type Selector struct {
	Hosts     []string
	Rank      Rank
	Condemned map[string]bool
}

func (s *Selector) Select(ctx context.Context) (string, error) {
	type scored struct {
		host  string
		score float64
	}
	var candidates []scored
	for _, host := range s.Hosts {
		if s.Condemned[host] {
			continue
		}
		score, err := s.Rank.Score(ctx, host)
		if err != nil {
			continue // unreachable or unscorable; skip rather than abort selection
		}
		if s.Rank.Threshold > 0 && score > s.Rank.Threshold {
			continue
		}
		candidates = append(candidates, scored{host, score})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("hostselect: no eligible host found among %d configured", len(s.Hosts))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
	return candidates[0].host, nil
}
