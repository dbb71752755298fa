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

package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/carverauto/fleetlink/pkg/fleet"
)

// RenderStatus formats a report as a bordered terminal panel.
func RenderStatus(r Report) string {
	s := newStyles()

	sections := []string{
		s.title.Render("fleetlink " + r.Version + "  " + r.GeneratedAt.Format("2006-01-02 15:04:05 MST")),
		renderConnections(&s, &r.Status.Connections),
		renderMonitoring(&s, &r.Status.Monitoring),
		renderSubscriptions(&s, &r.Status.Subscriptions),
	}

	if r.Status.Memory != nil {
		sections = append(sections, renderMemory(&s, r.Status.Memory))
	}

	sections = append(sections, renderRecommendations(&s, r.Recommendations))

	return s.app.Align(lipgloss.Left).Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func row(s *styles, label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, s.label.Render(label), value)
}

func renderConnections(s *styles, c *fleet.ConnectionStats) string {
	failed := s.good.Render(fmt.Sprint(c.Failed))
	if c.Failed > 0 {
		failed = s.bad.Render(fmt.Sprint(c.Failed))
	}

	breakers := s.good.Render(fmt.Sprint(c.BreakerOpen))
	if c.BreakerOpen > 0 {
		breakers = s.warn.Render(fmt.Sprintf("%d open, %d half-open", c.BreakerOpen, c.BreakerHalfOpen))
	}

	lines := []string{
		s.section.Render("Connections"),
		row(s, "Devices", s.value.Render(fmt.Sprint(c.Total))),
		row(s, "Connected", s.good.Render(fmt.Sprint(c.Connected))),
		row(s, "Pending / connecting", s.value.Render(fmt.Sprintf("%d / %d", c.Pending, c.Connecting))),
		row(s, "Failed", failed),
		row(s, "Circuit breakers", breakers),
		row(s, "Attempts", s.value.Render(fmt.Sprintf("%d (%.1f%% success)", c.Attempts, c.SuccessRate))),
		row(s, "Rate limit", s.value.Render(fmt.Sprintf("%d/%d permits, %d waits",
			c.RateLimit.Available, c.RateLimit.Limit, c.PermitWaits))),
	}

	var failing []fleet.DeviceStats

	for _, d := range c.Devices {
		if d.State == fleet.StateFailed.String() {
			failing = append(failing, d)
		}
	}

	if len(failing) > maxFailures {
		failing = failing[:maxFailures]
	}

	for _, d := range failing {
		reason := d.LastError
		if reason == "" {
			reason = "breaker " + d.Breaker
		}

		lines = append(lines, row(s, "  "+d.ID, s.bad.Render(reason)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderMonitoring(s *styles, m *fleet.MonitoringStatus) string {
	levels := make([]string, 0, len(fleet.Levels))
	for _, l := range fleet.Levels {
		levels = append(levels, fmt.Sprintf("%s=%d", l, m.LevelDistribution[l.String()]))
	}

	lines := []string{
		s.section.Render("Monitoring"),
		row(s, "Monitored", s.value.Render(fmt.Sprint(m.Monitored))),
		row(s, "Active checks", s.value.Render(fmt.Sprintf("%d/%d", m.ActiveChecks, m.MaxConcurrent))),
		row(s, "Levels", s.value.Render(strings.Join(levels, " "))),
		row(s, "Checks", s.value.Render(fmt.Sprintf("%d (%d errors)", m.TotalChecks, m.ErrorChecks))),
	}

	for _, d := range m.ErrorDevices {
		lines = append(lines, row(s, "  "+d.ID, s.warn.Render(fmt.Sprintf("%s, %d errors", d.Level, d.ErrorCount))))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSubscriptions(s *styles, sub *fleet.SubscriptionStatus) string {
	usage := s.good
	if sub.Utilization > 80 {
		usage = s.warn
	}

	tiers := make([]int, 0, len(sub.ByTier))
	for tier := range sub.ByTier {
		tiers = append(tiers, tier)
	}

	sort.Ints(tiers)

	byTier := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		byTier = append(byTier, fmt.Sprintf("t%d=%d", tier, sub.ByTier[tier]))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		s.section.Render("Subscriptions"),
		row(s, "Held", usage.Render(fmt.Sprintf("%d/%d (%.1f%%)", sub.Held, sub.Budget, sub.Utilization))),
		row(s, "Devices", s.value.Render(fmt.Sprintf("%d (%.1f topics avg)", sub.Devices, sub.AveragePerDev))),
		row(s, "By tier", s.value.Render(strings.Join(byTier, " "))),
		row(s, "Evicted / shortfalls", s.value.Render(fmt.Sprintf("%d / %d", sub.EvictedTopics, sub.ShortfallCalls))),
	)
}

func renderMemory(s *styles, m *fleet.MemoryStats) string {
	const mib = 1 << 20

	return lipgloss.JoinVertical(lipgloss.Left,
		s.section.Render("Host memory"),
		row(s, "Used", s.value.Render(fmt.Sprintf("%.1f%% (%d MiB available)", m.UsedPercent, m.Available/mib))),
	)
}

func renderRecommendations(s *styles, recs []fleet.Recommendation) string {
	lines := []string{s.section.Render("Recommendations")}

	if len(recs) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, s.good.Render("none"))...)
	}

	for _, r := range recs {
		style := s.hint
		if r.Severity == fleet.SeverityWarning {
			style = s.warn
		}

		lines = append(lines, style.Render("- "+r.Code+": "+r.Message))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
