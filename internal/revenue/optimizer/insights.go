package optimizer

import (
	"fmt"
	"sort"

	"gams/internal/revenue/experiment"
)

func (o *Optimizer) Status() Status {
	o.mu.Lock()
	st := Status{
		Running:             o.loop != nil,
		Finished:            o.ended != nil,
		Iterations:          o.iterations,
		LastStateUpdate:     o.lastState,
		LastExperimentCheck: o.lastCheck,
		LastModelSave:       o.lastSave,
		DataSources:         make([]string, 0, len(o.sources)),
		ActionHandlers:      make([]string, 0, len(o.handlers)),
	}
	for name := range o.sources {
		st.DataSources = append(st.DataSources, name)
	}
	for kind := range o.handlers {
		st.ActionHandlers = append(st.ActionHandlers, kind)
	}
	o.mu.Unlock()
	sort.Strings(st.DataSources)
	sort.Strings(st.ActionHandlers)

	st.RLPerformance = o.engine.PerformanceMetrics()
	st.ExperimentInsights = o.exps.Insights()
	st.ActiveExperiments = st.ExperimentInsights.ActiveExperiments
	st.CompletedExperiments = st.ExperimentInsights.CompletedExperiments
	return st
}

// RevenueInsights merges the learned policy with experiment outcomes.
func (o *Optimizer) RevenueInsights() Insights {
	policy := o.engine.PolicyInsights()
	ex := o.exps.Insights()
	in := Insights{ExperimentSuccessRate: ex.SuccessRate, AverageLift: ex.AverageLift}
	for _, a := range policy.TopActions {
		in.TopActions = append(in.TopActions, TopAction{Action: a.Action, AverageQValue: a.AverageQValue})
	}
	for _, a := range ex.TopPerformingActions {
		in.TopActions = append(in.TopActions, TopAction{
			Action:      a.Action,
			Wins:        a.Wins,
			AverageLift: a.TotalLift / float64(max(1, a.Experiments)),
		})
	}

	for i, a := range policy.TopActions[:min(3, len(policy.TopActions))] {
		in.Recommendations = append(in.Recommendations, Recommendation{
			Type:     "implement_action",
			Priority: i + 1,
			Message:  fmt.Sprintf("Implement high-performing action with estimated value %.2f", a.AverageQValue),
			Action:   a.Action,
		})
	}
	if typ, rate := bestExperimentType(o.exps.Completed()); typ != "" {
		in.Recommendations = append(in.Recommendations, Recommendation{
			Type:     "experiment_strategy",
			Priority: 4,
			Message:  fmt.Sprintf("Focus on %s experiments which have shown a %.2f%% success rate", typ, rate*100),
		})
	}
	if len(in.Recommendations) == 0 {
		in.Recommendations = append(in.Recommendations, Recommendation{
			Type:     "general",
			Priority: 1,
			Message:  "Continue collecting data through diverse experiments to build a stronger optimization model",
		})
	}
	return in
}

// bestExperimentType returns the type whose completed experiments beat
// control most often. Ties go to the alphabetically first type.
func bestExperimentType(done []experiment.Experiment) (string, float64) {
	total, wins := map[string]int{}, map[string]int{}
	for _, e := range done {
		total[e.Type]++
		if e.Analysis != nil && e.Analysis.Winner != "" && e.Analysis.Winner != e.Analysis.Control {
			wins[e.Type]++
		}
	}
	types := make([]string, 0, len(total))
	for t := range total {
		types = append(types, t)
	}
	sort.Strings(types)
	best, bestRate := "", 0.0
	for _, t := range types {
		if rate := float64(wins[t]) / float64(total[t]); rate > bestRate {
			best, bestRate = t, rate
		}
	}
	return best, bestRate
}
