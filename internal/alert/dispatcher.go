package alert

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []Config
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []Config) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs}
}

// Dispatch sends the event to all webhooks subscribed to its kind.
// Fires goroutines and does not block the caller.
func (d *Dispatcher) Dispatch(event Event) {
	for _, cfg := range d.configs {
		if matches(cfg.Events, event.Kind) {
			go Send(cfg, event)
		}
	}
}

func matches(events []string, kind string) bool {
	for _, e := range events {
		if e == kind || e == "*" {
			return true
		}
	}
	return false
}
