/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/carverauto/fleetlink/pkg/logger"
)

// SubscribeResult reports what an EnsureSubscribed call achieved.
type SubscribeResult struct {
	Granted   []string            `json:"granted,omitempty"`
	Failed    []string            `json:"failed,omitempty"`
	Evicted   map[string][]string `json:"evicted,omitempty"`
	Shortfall int                 `json:"shortfall"`
}

// Subscriptions allocates the global subscription budget across devices by
// tier. Planning (check, evict, reserve) happens in one critical section;
// broker calls happen after it.
type Subscriptions struct {
	cfg    *Config
	table  *table
	clock  Clock
	logger logger.Logger
	events *eventDispatcher

	handler func(id string) MessageHandler

	evictions  atomic.Int64
	shortfalls atomic.Int64
}

type eviction struct {
	id      string
	session Session
	topics  []string
}

// EnsureSubscribed makes the device hold every topic in topics. When the
// budget is short, other devices of the same or a worse tier lose their
// subscriptions, worst tier and least recently active first. Whatever still cannot be
// placed is reported as Shortfall together with ErrBudgetExhausted.
func (s *Subscriptions) EnsureSubscribed(ctx context.Context, id string, topics []string) (SubscribeResult, error) {
	var res SubscribeResult

	s.table.mu.Lock()

	row, ok := s.table.rows[id]
	if !ok {
		s.table.mu.Unlock()
		return res, ErrUnknownDevice
	}

	if row.state != StateConnected || row.session == nil {
		s.table.mu.Unlock()
		return res, ErrNotConnected
	}

	missing := s.missingTopics(row, topics)
	if len(missing) == 0 {
		s.table.mu.Unlock()
		return res, nil
	}

	var evicted []eviction
	if over := s.table.held + len(missing) - s.cfg.SubscriptionBudget; over > 0 {
		evicted = s.planEvictions(row, over)
	}

	grant := min(len(missing), s.cfg.SubscriptionBudget-s.table.held)
	if grant < 0 {
		grant = 0
	}

	reserved := missing[:grant]
	for _, t := range reserved {
		row.topics[t] = struct{}{}
	}

	s.table.held += grant
	res.Shortfall = len(missing) - grant
	session := row.session

	s.table.mu.Unlock()

	s.applyEvictions(ctx, evicted, &res)

	for _, topic := range reserved {
		if err := s.subscribe(ctx, id, session, topic); err != nil {
			s.logger.Warn().Err(err).Str("device_id", id).Str("topic", topic).Msg("Subscribe failed")
			s.rollback(row, topic)
			res.Failed = append(res.Failed, topic)

			continue
		}

		res.Granted = append(res.Granted, topic)
	}

	if res.Shortfall > 0 {
		s.shortfalls.Add(1)

		return res, fmt.Errorf("%w: %d of %d topics not placed for %s",
			ErrBudgetExhausted, res.Shortfall, len(missing), id)
	}

	return res, nil
}

// missingTopics returns the requested topics the row does not hold, without
// duplicates and in request order. Must hold table.mu.
func (s *Subscriptions) missingTopics(row *deviceRow, topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	missing := make([]string, 0, len(topics))

	for _, t := range topics {
		if _, held := row.topics[t]; held {
			continue
		}

		if _, dup := seen[t]; dup {
			continue
		}

		seen[t] = struct{}{}
		missing = append(missing, t)
	}

	return missing
}

// planEvictions frees at least need slots from other devices of the
// requester's tier or a worse one, taking whole devices, worst tier first and
// least recently active within a tier. A better tier is never evicted for a
// worse one. Must hold table.mu.
func (s *Subscriptions) planEvictions(requester *deviceRow, need int) []eviction {
	tier := requester.tier()

	var candidates []*deviceRow

	for _, r := range s.table.rows {
		if r == requester || len(r.topics) == 0 || r.tier() < tier {
			continue
		}

		candidates = append(candidates, r)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.tier() != b.tier() {
			return a.tier() > b.tier()
		}

		if !a.lastActivity.Equal(b.lastActivity) {
			return a.lastActivity.Before(b.lastActivity)
		}

		return a.seq < b.seq
	})

	var out []eviction

	for _, victim := range candidates {
		if need <= 0 {
			break
		}

		topics := s.table.releaseTopics(victim)
		need -= len(topics)

		out = append(out, eviction{id: victim.device.ID, session: victim.session, topics: topics})
	}

	return out
}

func (s *Subscriptions) applyEvictions(ctx context.Context, evicted []eviction, res *SubscribeResult) {
	if len(evicted) == 0 {
		return
	}

	res.Evicted = make(map[string][]string, len(evicted))

	for _, ev := range evicted {
		res.Evicted[ev.id] = ev.topics
		s.evictions.Add(int64(len(ev.topics)))

		if ev.session != nil {
			opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout.Std())
			if err := ev.session.Unsubscribe(opCtx, ev.topics...); err != nil {
				s.logger.Debug().Err(err).Str("device_id", ev.id).Msg("Unsubscribe after eviction failed")
			}
			cancel()
		}

		s.logger.Info().Str("device_id", ev.id).Int("topics", len(ev.topics)).Msg("Evicted subscriptions")
		s.events.emit(Event{Kind: EventEvicted, DeviceID: ev.id, Count: len(ev.topics), Time: s.clock.Now()})
	}
}

func (s *Subscriptions) subscribe(ctx context.Context, id string, session Session, topic string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout.Std())
	defer cancel()

	var h MessageHandler
	if s.handler != nil {
		h = s.handler(id)
	}

	return session.Subscribe(opCtx, topic, h)
}

// rollback releases a reservation whose broker subscribe failed, unless the
// slot was already released by an eviction or teardown.
func (s *Subscriptions) rollback(row *deviceRow, topic string) {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	if _, ok := row.topics[topic]; ok {
		delete(row.topics, topic)
		s.table.held--
	}
}

// Unsubscribe releases every subscription held by a device.
func (s *Subscriptions) Unsubscribe(ctx context.Context, id string) ([]string, error) {
	s.table.mu.Lock()

	row, ok := s.table.rows[id]
	if !ok {
		s.table.mu.Unlock()
		return nil, ErrUnknownDevice
	}

	topics := s.table.releaseTopics(row)
	session := row.session

	s.table.mu.Unlock()

	if len(topics) == 0 || session == nil {
		return topics, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout.Std())
	defer cancel()

	if err := session.Unsubscribe(opCtx, topics...); err != nil {
		return topics, fmt.Errorf("unsubscribe %s: %w", id, err)
	}

	return topics, nil
}

// Held returns the topics a device currently holds.
func (s *Subscriptions) Held(id string) []string {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	row, ok := s.table.rows[id]
	if !ok {
		return nil
	}

	return row.topicList()
}

// DeviceTopics expands topic suffixes into the per-device broker topics
// node/<id>/<suffix>.
func DeviceTopics(id string, suffixes []string) []string {
	out := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		out = append(out, "node/"+id+"/"+s)
	}

	return out
}
