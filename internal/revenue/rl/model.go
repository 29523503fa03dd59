package rl

import (
	"fmt"
	"time"

	"gams/pkg/jsonfile"
	logx "gams/pkg/logx"
)

type model struct {
	SavedAt        time.Time                     `json:"saved_at"`
	LearningRate   float64                       `json:"learning_rate"`
	DiscountFactor float64                       `json:"discount_factor"`
	Epsilon        float64                       `json:"epsilon"`
	QTable         map[string]map[string]float64 `json:"q_table"`
	State          State                         `json:"state"`
	Actions        []ActionRecord                `json:"action_history"`
	Rewards        []RewardRecord                `json:"reward_history"`
}

// Save writes the model to path. Paths ending in .zst are compressed.
func (e *Engine) Save(path string) error {
	e.mu.Lock()
	m := model{
		SavedAt:        e.now(),
		LearningRate:   e.cfg.LearningRate,
		DiscountFactor: e.cfg.DiscountFactor,
		Epsilon:        e.epsilon,
		QTable:         e.qtable,
		State:          e.state,
		Actions:        e.actions,
		Rewards:        e.rewards,
	}
	err := jsonfile.Save(path, m)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rl: save %s: %w", path, err)
	}
	e.log.Info("model saved", logx.String("path", path), logx.Int("states", len(m.QTable)))
	return nil
}

// Load replaces the learned model with the one at path. The configured
// hyperparameters win over the saved ones.
func (e *Engine) Load(path string) error {
	var m model
	if err := jsonfile.Load(path, &m); err != nil {
		return fmt.Errorf("rl: load %s: %w", path, err)
	}
	if m.QTable == nil {
		m.QTable = map[string]map[string]float64{}
	}
	e.mu.Lock()
	e.qtable = m.QTable
	if m.State != nil {
		e.state = InitialState()
		merge(e.state, m.State)
	}
	if m.Epsilon > 0 {
		e.epsilon = max(m.Epsilon, e.cfg.Exploration.MinEpsilon)
	}
	e.actions = m.Actions
	e.rewards = m.Rewards
	e.decided = map[string]string{}
	e.mu.Unlock()
	e.log.Info("model loaded", logx.String("path", path), logx.Int("states", len(m.QTable)))
	return nil
}
