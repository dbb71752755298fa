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
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/carverauto/fleetlink/pkg/breaker"
)

// monitorState is the monitoring record of a device. It exists only while
// the device is connected.
type monitorState struct {
	level       Level
	successes   int // consecutive, reset on every level change
	failures    int // consecutive
	errorCount  int
	sinceError  int // successes since errorCount last changed
	checks      int
	errorChecks int
	lastCheck   time.Time
	nextDue     time.Time
	index       int // position in the due queue, -1 when not queued
	running     bool
}

// deviceRow is the single row of shared state per device. Every field is
// guarded by table.mu.
type deviceRow struct {
	device Device
	seq    int

	state               ConnState
	attempts            int
	successes           int
	failures            int
	consecutiveFailures int
	lastAttempt         time.Time
	lastSuccess         time.Time
	connectedAt         time.Time
	lastError           string
	session             Session

	breaker *breaker.Breaker
	mon     *monitorState

	topics       map[string]struct{}
	lastActivity time.Time
}

func (r *deviceRow) tier() int {
	if r.mon == nil {
		return LevelMinimal.Tier()
	}

	return r.mon.level.Tier()
}

func (r *deviceRow) topicList() []string {
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}

	sort.Strings(out)

	return out
}

// table is the device table shared by the pool, the monitor and the
// subscription manager.
type table struct {
	mu sync.Mutex

	rows         map[string]*deviceRow
	seq          int
	monitorOrder int
	held         int
	queue        dueQueue
}

func newTable() *table {
	return &table{rows: make(map[string]*deviceRow)}
}

// upsert returns the row for device, creating it when first seen. Must hold mu.
func (t *table) upsert(device Device, threshold int, cooldown time.Duration) *deviceRow {
	row, ok := t.rows[device.ID]
	if ok {
		row.device = device
		return row
	}

	row = &deviceRow{
		device:  device,
		seq:     t.seq,
		breaker: breaker.New(threshold, cooldown),
		topics:  make(map[string]struct{}),
	}
	t.seq++
	t.rows[device.ID] = row

	return row
}

// ordered returns rows in first-seen order. Must hold mu.
func (t *table) ordered() []*deviceRow {
	out := make([]*deviceRow, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })

	return out
}

// schedule queues or re-positions a monitored row. Must hold mu.
func (t *table) schedule(row *deviceRow) {
	if row.mon == nil || row.mon.running {
		return
	}

	if row.mon.index >= 0 {
		heap.Fix(&t.queue, row.mon.index)
		return
	}

	heap.Push(&t.queue, row)
}

// unschedule drops a row from the due queue. Must hold mu.
func (t *table) unschedule(row *deviceRow) {
	if row.mon == nil || row.mon.index < 0 {
		return
	}

	heap.Remove(&t.queue, row.mon.index)
}

// popDue removes and returns the earliest row if it is due at now. Otherwise
// it returns how long until the head is due, or ok=false when empty.
func (t *table) popDue(now time.Time) (row *deviceRow, wait time.Duration, ok bool) {
	if len(t.queue) == 0 {
		return nil, 0, false
	}

	head := t.queue[0]
	if d := head.mon.nextDue.Sub(now); d > 0 {
		return nil, d, true
	}

	heap.Pop(&t.queue)
	head.mon.running = true

	return head, 0, true
}

// releaseTopics frees every slot held by row and returns the topics. Must
// hold mu.
func (t *table) releaseTopics(row *deviceRow) []string {
	if len(row.topics) == 0 {
		return nil
	}

	topics := row.topicList()
	t.held -= len(topics)
	row.topics = make(map[string]struct{})

	return topics
}

// detach clears the live session, monitoring record and subscriptions of a
// row, returning what was held. Must hold mu.
func (t *table) detach(row *deviceRow) (Session, []string) {
	session := row.session
	row.session = nil

	t.unschedule(row)
	row.mon = nil

	return session, t.releaseTopics(row)
}

// dueQueue is a min-heap of monitored rows keyed on next-due time.
type dueQueue []*deviceRow

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	a, b := q[i].mon.nextDue, q[j].mon.nextDue
	if a.Equal(b) {
		return q[i].seq < q[j].seq
	}

	return a.Before(b)
}

func (q dueQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].mon.index = i
	q[j].mon.index = j
}

func (q *dueQueue) Push(x interface{}) {
	row := x.(*deviceRow)
	row.mon.index = len(*q)
	*q = append(*q, row)
}

func (q *dueQueue) Pop() interface{} {
	old := *q
	n := len(old)
	row := old[n-1]
	old[n-1] = nil
	row.mon.index = -1
	*q = old[:n-1]

	return row
}
