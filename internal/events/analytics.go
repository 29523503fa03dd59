package events

import (
	"context"

	logx "gams/pkg/logx"
)

// AnalyticsEvents maps the standard analytics events to their analysis
// action.
var AnalyticsEvents = []struct{ Name, Action string }{
	{"content_performance_change", "content_performance_analysis"},
	{"traffic_spike", "traffic_analysis"},
	{"conversion_rate_change", "conversion_analysis"},
	{"keyword_ranking_change", "keyword_analysis"},
	{"competitor_activity", "competitor_analysis"},
	{"social_media_mention", "social_media_analysis"},
	{"revenue_goal_achieved", "revenue_goal_analysis"},
	{"strategy_performance_update", "strategy_performance_analysis"},
}

// RegisterAnalyticsEvents subscribes an "analytics_<event>" handler for each
// standard analytics event. Handlers count occurrences in the metrics
// category "events".
func (m *Manager) RegisterAnalyticsEvents() {
	for _, ae := range AnalyticsEvents {
		name, action := ae.Name, ae.Action
		m.Subscribe(name, func(_ context.Context, ev Event) (any, error) {
			if m.metrics != nil {
				m.metrics.Record("events", ev.Name, 1)
			}
			return map[string]any{
				"status": "processed",
				"action": action,
			}, nil
		}, "analytics_"+name)
	}
	m.log.Info("analytics events registered", logx.Int("events", len(AnalyticsEvents)))
}
