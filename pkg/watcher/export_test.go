package watcher

// Schedule exposes the debounce scheduler to tests.
func (w *Watcher) Schedule(path string) { w.schedule(path) }

// FireNow runs the timer callback for path, the way an expired debounce
// timer would.
func (w *Watcher) FireNow(path string) { w.fire(path) }
