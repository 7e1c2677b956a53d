package dispatch

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Event is emitted after every job outcome, successful or not.
type Event struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Summary string `json:"summary"`
	Failed  bool   `json:"failed"`
}

type Listener func(Event)

// Notifier fans completion events out to listeners. Each dispatcher owns
// its own notifier, so independent queue instances never cross-notify.
type Notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) Subscribe(l Listener) {
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
}

// Notify invokes every listener. A panicking listener is logged and skipped
// so it cannot starve the others or take down the dispatcher.
func (n *Notifier) Notify(ev Event) {
	n.mu.RLock()
	listeners := make([]Listener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("job_id", ev.JobID).Msg("completion listener panicked")
				}
			}()
			l(ev)
		}()
	}
}
