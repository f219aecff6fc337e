package costalert

import "time"

// SetNow overrides the engine clock in tests.
func (e *Engine) SetNow(fn func() time.Time) { e.now = fn }
