package engine

// defaultDedupeWindow bounds the remembered-delivery set. Reconnect replay
// is the only expected duplicate source and hydration re-baselines state
// anyway, so a small FIFO window is enough.
const defaultDedupeWindow = 256

// Deduplicator drops re-delivered events by key. Events with an empty key
// are idempotent by construction and always pass.
type Deduplicator struct {
	window int
	seen   map[string]struct{}
	order  []string
}

func NewDeduplicator(window int) *Deduplicator {
	if window <= 0 {
		window = defaultDedupeWindow
	}
	return &Deduplicator{
		window: window,
		seen:   make(map[string]struct{}, window),
	}
}

// Seen reports whether key was already recorded as delivered.
func (d *Deduplicator) Seen(key string) bool {
	if key == "" {
		return false
	}
	_, ok := d.seen[key]
	return ok
}

// Remember records a delivered key. Only applied events are remembered: an
// event dropped on a precondition must stay deliverable, because its
// precondition may hold on a later redelivery.
func (d *Deduplicator) Remember(key string) {
	if key == "" {
		return
	}
	if _, ok := d.seen[key]; ok {
		return
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > d.window {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
}

// Reset clears the remembered set, used when a hydration re-baselines state.
func (d *Deduplicator) Reset() {
	d.seen = make(map[string]struct{}, d.window)
	d.order = nil
}
