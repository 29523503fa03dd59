package app

import (
	"context"
	"errors"

	"gams/internal/events"
	"gams/internal/metrics"
	"gams/internal/revenue/optimizer"
	"gams/internal/revenue/rl"
	logx "gams/pkg/logx"
)

// Events connecting the optimizer to the agents that act on its decisions.
const (
	// EventRevenueAction asks agents to apply one dimension of an action.
	EventRevenueAction = "revenue_action"
	// EventExperimentResult carries variant metrics back:
	// {experiment_id, variant_id, metrics{name: value}}.
	EventExperimentResult = "experiment_result"
	// EventMetricsReport records values: {category, values{name: value}}.
	EventMetricsReport = "metrics_report"

	resultsSubscriberID = "revenue_optimizer.results"
	metricsSubscriberID = "metrics.reports"
)

// stateSections are the RL state sections fed from the metrics category of
// the same name.
var stateSections = []string{"traffic", "conversion_rates", "revenue", "costs", "market_conditions"}

var actionKinds = []string{
	optimizer.KindContent,
	optimizer.KindPricing,
	optimizer.KindAdvertising,
	optimizer.KindSEO,
	optimizer.KindAffiliate,
}

var errNoHandlerSucceeded = errors.New("every revenue action subscriber failed")

func (a *App) registerRevenueIntegrations() error {
	for _, section := range stateSections {
		if err := a.opt.RegisterDataSource(section, metricsSource(a.metrics, section)); err != nil {
			return err
		}
	}
	for _, kind := range actionKinds {
		if err := a.opt.RegisterActionHandler(kind, a.actionHandler(kind)); err != nil {
			return err
		}
	}
	a.events.Subscribe(EventExperimentResult, a.handleExperimentResult, resultsSubscriberID)
	a.events.Subscribe(EventMetricsReport, a.handleMetricsReport, metricsSubscriberID)
	return nil
}

// metricsSource reports the latest value of every series in category.
func metricsSource(m *metrics.Service, category string) optimizer.DataSource {
	return optimizer.DataSourceFunc(func(context.Context) (map[string]any, error) {
		out := map[string]any{}
		for name, pts := range m.Category(category) {
			if len(pts) > 0 {
				out[name] = pts[len(pts)-1].Value
			}
		}
		return out, nil
	})
}

// actionHandler publishes the action for kind. With no subscribers the
// action is only logged.
func (a *App) actionHandler(kind string) optimizer.ActionHandler {
	return optimizer.ActionHandlerFunc(func(ctx context.Context, action rl.Action, experimentID string) (any, error) {
		res := a.events.Publish(ctx, EventRevenueAction, map[string]any{
			"kind":          kind,
			"action":        map[string]any(action),
			"experiment_id": experimentID,
		}, appPublisherID)
		n, failed := len(res.Results), res.Failed()
		if n == 0 {
			a.log.Debug("revenue action has no subscribers", logx.String("kind", kind))
		}
		if n > 0 && failed == n {
			return nil, errNoHandlerSucceeded
		}
		return map[string]any{"kind": kind, "subscribers": n, "failed": failed}, nil
	})
}

func (a *App) handleExperimentResult(_ context.Context, ev events.Event) (any, error) {
	id, _ := ev.Data["experiment_id"].(string)
	variant, _ := ev.Data["variant_id"].(string)
	raw, _ := ev.Data["metrics"].(map[string]any)
	if id == "" || variant == "" || len(raw) == 0 {
		return nil, errors.New("experiment_result: experiment_id, variant_id and metrics are required")
	}
	values := make(map[string]float64, len(raw))
	for k, v := range raw {
		if f, ok := metrics.Float(v); ok {
			values[k] = f
		}
	}
	if err := a.exps.Record(id, variant, values); err != nil {
		return nil, err
	}
	return map[string]any{"recorded": len(values)}, nil
}

func (a *App) handleMetricsReport(_ context.Context, ev events.Event) (any, error) {
	category, _ := ev.Data["category"].(string)
	values, _ := ev.Data["values"].(map[string]any)
	if category == "" || len(values) == 0 {
		return nil, errors.New("metrics_report: category and values are required")
	}
	recorded := 0
	for name, v := range values {
		if !metrics.Finite(v) {
			a.log.Warn("non-finite metric dropped", logx.String("category", category), logx.String("name", name))
			continue
		}
		a.metrics.Record(category, name, v)
		recorded++
	}
	if recorded == 0 {
		return nil, errors.New("metrics_report: no finite values")
	}
	return map[string]any{"recorded": recorded, "dropped": len(values) - recorded}, nil
}
