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

package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/tombee/cyclone/internal/events"
	"github.com/tombee/cyclone/internal/graph"
	"github.com/tombee/cyclone/internal/ingress"
	"github.com/tombee/cyclone/internal/metrics"
	"github.com/tombee/cyclone/internal/pool"
	"github.com/tombee/cyclone/internal/store"
	"github.com/tombee/cyclone/internal/tracing"
	"github.com/tombee/cyclone/pkg/cycle"
)

// tick runs the seven steps of spec.md §4.10 against one write-batch,
// committed only if every step succeeds.
func (s *Scheduler) tick(ctx context.Context) error {
	start := s.clock()
	defer func() {
		metrics.ObserveTickDuration(s.cfg.Workflow, s.clock().Sub(start).Seconds())
	}()

	batch, err := s.cfg.Store.BeginBatch(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			batch.Rollback()
		}
	}()

	now := s.clock()

	// 1. Drain the ingress queue; apply message effects.
	s.drainIngress(ctx, batch)

	// 2. Advance timers whose deadlines have passed.
	for _, proxy := range s.cfg.Pool.All() {
		if err := s.cfg.Manager.AdvanceTimers(ctx, proxy, now); err != nil {
			return err
		}
		s.persistProxy(ctx, batch, proxy)
	}

	s.advanceRunahead()

	// 3. Ask the pool for ready_iter() up to queue capacity; submit.
	for _, proxy := range s.cfg.Pool.ReadyIter() {
		s.cfg.Pool.QueueAdmit(proxy)
		s.persistProxy(ctx, batch, proxy)
	}
	s.cfg.Pool.PromoteQueued()
	for _, proxy := range s.cfg.Pool.Runnable() {
		s.resolveHost(proxy)
		err := s.withSpan(ctx, "submit", proxy, func(spanCtx context.Context) error {
			return s.cfg.Manager.Submit(spanCtx, proxy)
		})
		if err != nil {
			return err
		}
		s.persistProxy(ctx, batch, proxy)
		batch.RecordEvent(ctx, store.EventEntry{
			Name: proxy.Name, Cycle: proxy.Cycle.Format(), SubmitNum: proxy.SubmitNumber,
			Event: "submit", CreatedAt: now,
		})
		switch proxy.State {
		case pool.StateSubmitFailed:
			metrics.RecordSubmit(s.cfg.Workflow, "submit_failed")
			s.dispatchLater("submission failed", s.fieldsFor(proxy, "submission failed"), s.cfg.StallMailTo)
		case pool.StateSubmitRetrying:
			metrics.RecordSubmit(s.cfg.Workflow, "submit_failed")
			metrics.RecordRetry(s.cfg.Workflow, "submit")
		default:
			metrics.RecordSubmit(s.cfg.Workflow, "submitted")
		}
	}

	// 4. Poll tasks whose next poll is due.
	for _, proxy := range s.cfg.Pool.All() {
		if proxy.Timers.PollAfter == nil || now.Before(*proxy.Timers.PollAfter) {
			continue
		}
		before := snapshotOutputs(proxy)
		err := s.withSpan(ctx, "poll", proxy, func(spanCtx context.Context) error {
			return s.cfg.Manager.Poll(spanCtx, proxy)
		})
		if err != nil {
			s.logger.Warn("poll failed", "proxy", proxyKey(proxy), "error", err)
			continue
		}
		s.applyNewOutputs(ctx, batch, proxy, before)
		s.persistProxy(ctx, batch, proxy)
	}

	s.retireTerminal(ctx, batch)

	// 5. Re-evaluate stall/inactivity/timeout conditions; emit events.
	if s.cfg.Pool.Stalled(false) {
		lines := s.cfg.Pool.IncompleteTasks()
		for _, line := range lines {
			s.logger.Warn("stalled", "detail", line)
		}
		fields := events.Fields{Workflow: s.cfg.Workflow, Message: strings.Join(lines, "; ")}
		s.dispatchLater("stall", fields, s.cfg.StallMailTo)
		metrics.RecordStall(s.cfg.Workflow)
	}

	s.recordPoolMetrics()

	// 6. Flush event dispatcher.
	s.flushEvents(ctx)

	// 7. Commit the batch of state changes.
	if err := batch.Commit(); err != nil {
		return err
	}
	committed = true

	// A final cycle point is configured and every materialized proxy
	// (including anything still runahead-suspended) has terminated and
	// been evicted: nothing can ever make progress again, so stop.
	if s.cfg.Pool.Finished() {
		s.Stop()
	}
	return nil
}

// recordPoolMetrics snapshots the live pool's state distribution for
// the cyclone_pool_size gauge.
func (s *Scheduler) recordPoolMetrics() {
	counts := map[string]int{}
	for _, proxy := range s.cfg.Pool.All() {
		counts[proxy.State.String()]++
	}
	for state, n := range counts {
		metrics.SetPoolSize(s.cfg.Workflow, state, n)
	}
}

// drainIngress applies every message currently buffered on the
// ingress channel without blocking (the channel is only ever written
// to by the network handler and the polling path).
func (s *Scheduler) drainIngress(ctx context.Context, batch *store.Batch) {
	if s.cfg.Ingress == nil {
		return
	}
	for {
		select {
		case msg, ok := <-s.cfg.Ingress.Messages():
			if !ok {
				return
			}
			s.applyMessage(ctx, batch, msg)
		default:
			return
		}
	}
}

func (s *Scheduler) applyMessage(ctx context.Context, batch *store.Batch, msg ingress.Message) {
	name, cycleStr, ok := strings.Cut(msg.Proxy, "/")
	if !ok {
		s.logger.Warn("dropping malformed message", "proxy", msg.Proxy)
		return
	}
	proxy, ok := s.cfg.Pool.GetByCycleString(name, cycleStr)
	if !ok {
		s.logger.Warn("dropping message for unknown proxy", "proxy", msg.Proxy)
		return
	}
	if msg.SubmitNumber != proxy.SubmitNumber {
		return // stale submit_number; idempotent no-op per spec.md §5
	}

	before := snapshotOutputs(proxy)
	s.cfg.Manager.HandleMessage(proxy, msg.SubmitNumber, msg.Text)
	s.applyNewOutputs(ctx, batch, proxy, before)
	s.persistProxy(ctx, batch, proxy)

	batch.RecordEvent(ctx, store.EventEntry{
		Name: proxy.Name, Cycle: proxy.Cycle.Format(), SubmitNum: msg.SubmitNumber,
		Event: defaultString(msg.Severity, "message"), Message: msg.Text, CreatedAt: msg.ReceivedAt,
	})

	if msg.Severity == "WARNING" || msg.Severity == "CRITICAL" {
		s.dispatchLater(strings.ToLower(msg.Severity), s.fieldsFor(proxy, msg.Text), s.cfg.StallMailTo)
	}
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// applyNewOutputs diffs proxy's output set against before and
// propagates every newly satisfied output across the compiled graph's
// downstream edges.
func (s *Scheduler) applyNewOutputs(ctx context.Context, batch *store.Batch, proxy *pool.Proxy, before map[string]bool) {
	for output := range proxy.Outputs {
		if before[output] {
			continue
		}
		s.propagateOutput(ctx, batch, proxy, output)
		if output == "succeeded" || output == "failed" {
			s.dispatchLater(output, s.fieldsFor(proxy, output), s.cfg.StallMailTo)
		}
	}
	if proxy.State == pool.StateRetrying {
		metrics.RecordRetry(s.cfg.Workflow, "execution")
	}
}

func snapshotOutputs(proxy *pool.Proxy) map[string]bool {
	out := make(map[string]bool, len(proxy.Outputs))
	for k, v := range proxy.Outputs {
		out[k] = v
	}
	return out
}

// propagateOutput finds every edge upstream-matching (proxy.Name,
// output) and satisfies or evicts the corresponding downstream proxy.
func (s *Scheduler) propagateOutput(ctx context.Context, batch *store.Batch, proxy *pool.Proxy, output string) {
	for _, edge := range s.cfg.Graph.EdgesFor(proxy.Name) {
		matches := edge.RequiredOutput == output
		if edge.Trigger == graph.TriggerFinished {
			matches = output == "succeeded" || output == "failed"
		}
		if !matches {
			continue
		}

		downCycle := proxy.Cycle.Add(negate(edge.CycleOffset))

		if edge.Trigger == graph.TriggerSuicide {
			if down, ok := s.cfg.Pool.Get(edge.DownstreamName, downCycle); ok {
				s.cfg.Pool.Evict(down)
				batch.RemovePoolEntry(ctx, down.Name, down.Cycle.Format())
			}
			continue
		}

		down := s.cfg.Pool.Spawn(edge.DownstreamName, downCycle)
		s.cfg.Pool.UpdatePrereq(down, proxy.Name, proxy.Cycle.Format(), edge.RequiredOutput, true)
		s.persistProxy(ctx, batch, down)
	}
}

// retireTerminal evicts every terminal proxy no longer referenced by
// any other live proxy's prerequisites.
func (s *Scheduler) retireTerminal(ctx context.Context, batch *store.Batch) {
	for _, proxy := range s.cfg.Pool.All() {
		if !proxy.State.Terminal() {
			continue
		}
		if s.cfg.Pool.IsReferenced(proxy) {
			continue
		}
		s.withSpan(ctx, "finalize", proxy, func(context.Context) error { return nil })
		s.cfg.Pool.ReleaseQueueSlot(proxy)
		s.cfg.Pool.Evict(proxy)
		batch.RemovePoolEntry(ctx, proxy.Name, proxy.Cycle.Format())
	}
	s.cfg.Pool.PromoteQueued()
}

// advanceRunahead recomputes the oldest non-terminal live cycle point
// and promotes any runahead-suspended proxy now inside the window.
func (s *Scheduler) advanceRunahead() {
	var oldest cycle.Point
	found := false
	for _, proxy := range s.cfg.Pool.All() {
		if proxy.State.Terminal() {
			continue
		}
		if !found || proxy.Cycle.Before(oldest) {
			oldest = proxy.Cycle
			found = true
		}
	}
	if !found {
		return
	}
	s.cfg.Pool.AdvanceRunahead(oldest)
}

// resolveHost applies the namespace's configured [[remote]] host/user,
// overlaid by any matching broadcast setting (spec.md §4.3's "host"
// and "owner" are settable broadcast keys), onto proxy.Host.
func (s *Scheduler) resolveHost(proxy *pool.Proxy) {
	host, user := s.cfg.DefaultHost, s.cfg.DefaultUser
	if s.cfg.Resolver != nil {
		if ns, err := s.cfg.Resolver.Resolve(proxy.Name); err == nil {
			if ns.Remote.Host != "" {
				host = ns.Remote.Host
			}
			if ns.Remote.User != "" {
				user = ns.Remote.User
			}
		}
	}
	if s.cfg.Broadcasts != nil {
		if overlay, err := s.cfg.Broadcasts.Apply(proxy.Name, proxy.Cycle.Format()); err == nil {
			if v, ok := overlay["host"]; ok {
				host = v
			}
			if v, ok := overlay["owner"]; ok {
				user = v
			}
		}
	}
	proxy.Host = pool.HostAccount{Host: host, User: user}
}

func (s *Scheduler) fieldsFor(proxy *pool.Proxy, event string) events.Fields {
	return events.Fields{
		Event: event, Workflow: s.cfg.Workflow, Proxy: proxy.Name + "/" + proxy.Cycle.Format(),
		Cycle: proxy.Cycle.Format(), TryNum: proxy.TryNumber, SubmitNum: proxy.SubmitNumber,
		RunnerName: "background", RunnerID: proxy.RunnerID,
	}
}

// withSpan runs fn inside a span named step if tracing is configured,
// otherwise calls fn directly against ctx unchanged.
func (s *Scheduler) withSpan(ctx context.Context, step string, proxy *pool.Proxy, fn func(context.Context) error) error {
	if s.cfg.Tracer == nil {
		return fn(ctx)
	}
	spanCtx, span := tracing.StartJobSpan(ctx, s.cfg.Tracer, step, proxy.Name, proxy.Cycle.Format())
	err := fn(spanCtx)
	tracing.EndSpan(span, err)
	return err
}

func proxyKey(proxy *pool.Proxy) string {
	return proxy.Name + "/" + proxy.Cycle.Format()
}

// negate flips every field of d; CycleOffset edges point from the
// downstream's cycle to the upstream's, so recovering the downstream
// cycle from an upstream proxy requires applying the inverse.
func negate(d cycle.Duration) cycle.Duration {
	return cycle.Duration{
		Years: -d.Years, Months: -d.Months, Days: -d.Days,
		Hours: -d.Hours, Minutes: -d.Minutes, Secs: -d.Secs,
		Steps: -d.Steps,
	}
}

// persistProxy writes proxy's pool and full-state rows into batch.
func (s *Scheduler) persistProxy(ctx context.Context, batch *store.Batch, proxy *pool.Proxy) {
	cycleStr := proxy.Cycle.Format()
	flowNums := encodeJSON(proxy.FlowNums)

	batch.UpsertPoolEntry(ctx, store.PoolEntry{
		Name: proxy.Name, Cycle: cycleStr, FlowNums: flowNums,
		Status: proxy.State.String(), IsHeld: proxy.IsHeld, SubmitNum: proxy.SubmitNumber,
	})
	batch.UpsertTaskState(ctx, store.TaskState{
		Name: proxy.Name, Cycle: cycleStr, Status: proxy.State.String(), FlowNums: flowNums,
		Prerequisites: encodeJSON(prereqMap(proxy)), OutputsSatisfied: encodeJSON(sortedOutputs(proxy)),
		UpdatedAt: time.Now(),
	})
}

func prereqMap(proxy *pool.Proxy) map[string]bool {
	out := make(map[string]bool)
	for _, d := range proxy.Prereqs.Disjuncts {
		for _, r := range d.Refs {
			out[r.UpstreamCycle+"/"+r.UpstreamName+":"+r.Output] = r.Satisfied
		}
	}
	return out
}

func sortedOutputs(proxy *pool.Proxy) []string {
	out := make([]string, 0, len(proxy.Outputs))
	for k, satisfied := range proxy.Outputs {
		if satisfied {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
