package wrapper

import "log/slog"

// Teardown is an ordered stack of reversible setup actions. Each applied
// action pushes its revert; on failure Run unwinds everything in reverse
// order, so an early return can never leak a partially built launch.
type Teardown struct {
	steps []teardownStep

	disarmed bool
}

type teardownStep struct {
	name string
	fn   func() error
}

// Add pushes a revert action for a setup step that just succeeded.
func (t *Teardown) Add(name string, fn func() error) {
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

// Disarm marks the whole sequence as committed; Run becomes a no-op.
func (t *Teardown) Disarm() {
	t.disarmed = true
}

// Run unwinds all recorded steps last-in-first-out. Revert errors are logged
// and swallowed: unwinding must make as much progress as it can.
func (t *Teardown) Run(logger *slog.Logger) {
	if t.disarmed {
		return
	}

	for i := len(t.steps) - 1; i >= 0; i-- {
		step := t.steps[i]

		if err := step.fn(); err != nil {
			logger.Warn("teardown step failed", "step", step.name, "err", err)
		}
	}

	t.steps = nil
}
