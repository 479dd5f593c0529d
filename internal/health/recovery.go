package health

import (
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Action is one step of a recovery plan. The catalog is small and
// fixed; recovery is not a scripting system.
type Action string

const (
	ActionClearCaches      Action = "clear_caches"
	ActionForceGC          Action = "force_gc"
	ActionResetBreakers    Action = "reset_breakers"
	ActionSignalScaleUp    Action = "signal_scale_up"
	ActionRestartComponent Action = "restart_component"
)

// RecoveryHooks are the component entry points recovery actions invoke
type RecoveryHooks struct {
	ClearCaches      func() int
	ResetBreakers    func()
	SignalScaleUp    func()
	RestartComponent func(component string) error
}

// defaultPlans maps alert rules to ordered recovery plans
func defaultPlans() map[string][]Action {
	return map[string][]Action{
		"memory_high":           {ActionClearCaches, ActionForceGC},
		"error_rate_high":       {ActionResetBreakers},
		"response_time_high":    {ActionSignalScaleUp},
		"critical_component":    {ActionRestartComponent, ActionResetBreakers},
		"performance_degrading": {ActionClearCaches, ActionSignalScaleUp},
	}
}

// recoveryExecutor runs recovery plans, at most one concurrent run per
// alert rule
type recoveryExecutor struct {
	hooks RecoveryHooks
	plans map[string][]Action

	mu       sync.Mutex
	inFlight map[string]bool

	onExecuted func(ruleID string, action Action, ok bool)
}

func newRecoveryExecutor(hooks RecoveryHooks) *recoveryExecutor {
	return &recoveryExecutor{
		hooks:    hooks,
		plans:    defaultPlans(),
		inFlight: make(map[string]bool),
	}
}

// tryExecute starts the plan for the rule unless one is already running
func (re *recoveryExecutor) tryExecute(alert Alert) bool {
	plan, ok := re.plans[alert.RuleID]
	if !ok || len(plan) == 0 {
		return false
	}

	re.mu.Lock()
	if re.inFlight[alert.RuleID] {
		re.mu.Unlock()
		return false
	}
	re.inFlight[alert.RuleID] = true
	re.mu.Unlock()

	go func() {
		defer func() {
			re.mu.Lock()
			delete(re.inFlight, alert.RuleID)
			re.mu.Unlock()
		}()
		re.run(alert, plan)
	}()
	return true
}

func (re *recoveryExecutor) run(alert Alert, plan []Action) {
	for _, action := range plan {
		ok := re.runAction(alert, action)
		log.WithFields(log.Fields{
			"rule":    alert.RuleID,
			"action":  string(action),
			"success": ok,
		}).Info("Recovery action executed")

		if re.onExecuted != nil {
			re.onExecuted(alert.RuleID, action, ok)
		}
	}
}

func (re *recoveryExecutor) runAction(alert Alert, action Action) bool {
	switch action {
	case ActionClearCaches:
		if re.hooks.ClearCaches == nil {
			return false
		}
		cleared := re.hooks.ClearCaches()
		log.Infof("Recovery cleared %d cache entries", cleared)
		return true

	case ActionForceGC:
		runtime.GC()
		return true

	case ActionResetBreakers:
		if re.hooks.ResetBreakers == nil {
			return false
		}
		re.hooks.ResetBreakers()
		return true

	case ActionSignalScaleUp:
		if re.hooks.SignalScaleUp == nil {
			return false
		}
		re.hooks.SignalScaleUp()
		return true

	case ActionRestartComponent:
		if re.hooks.RestartComponent == nil {
			return false
		}
		if err := re.hooks.RestartComponent(alert.RuleID); err != nil {
			log.Warnf("Component restart failed for %s: %v", alert.RuleID, err)
			return false
		}
		return true

	default:
		return false
	}
}
