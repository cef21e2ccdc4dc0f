package notify

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"botdeck/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// serviceConfig is the Shoutrrr URL extracted from a service's config_json.
type serviceConfig struct {
	ShoutrrrURL string `json:"shoutrrr_url"`
}

// Dispatcher subscribes to the event bus, filters by severity and event
// type, enforces per-service cooldowns, and dispatches via Shoutrrr.
type Dispatcher struct {
	db     *sql.DB
	bus    *events.Bus
	sender Sender

	// cooldowns tracks the last dispatch time per (service_id, event_type).
	mu        sync.Mutex
	cooldowns map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher wired to the given bus and database.
func NewDispatcher(db *sql.DB, bus *events.Bus, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{
		db:        db,
		bus:       bus,
		sender:    sender,
		cooldowns: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to all events and begins dispatching.
func (d *Dispatcher) Start() {
	ch := make(chan events.Event, 256)

	d.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("notify: event queue full, dropping %s event", e.Type)
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatcher goroutine to finish and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// handle processes a single event against all enabled services.
func (d *Dispatcher) handle(e events.Event) {
	services, err := ListEnabledServices(d.db)
	if err != nil {
		log.Printf("notify: list services: %v", err)
		return
	}

	for _, svc := range services {
		if e.Severity < svc.MinSeverity {
			continue
		}
		if !svc.WantsType(e.Type) {
			continue
		}
		if d.inCooldown(svc, e) {
			continue
		}
		d.dispatch(svc, e)
	}
}

// inCooldown enforces the per-(service, event-type) minimum gap.
func (d *Dispatcher) inCooldown(svc Service, e events.Event) bool {
	if svc.CooldownMinutes <= 0 {
		return false
	}

	key := fmt.Sprintf("%d:%s", svc.ID, e.Type)
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.cooldowns[key]; ok && now.Sub(last) < time.Duration(svc.CooldownMinutes)*time.Minute {
		return true
	}
	d.cooldowns[key] = now
	return false
}

// dispatch sends the notification.
func (d *Dispatcher) dispatch(svc Service, e events.Event) {
	var cfg serviceConfig
	if err := json.Unmarshal([]byte(svc.ConfigJSON), &cfg); err != nil {
		log.Printf("notify: bad config for service %d (%s): %v", svc.ID, svc.Name, err)
		return
	}
	if cfg.ShoutrrrURL == "" {
		log.Printf("notify: service %d (%s) has no shoutrrr_url", svc.ID, svc.Name)
		return
	}

	msg := formatMessage(e)
	if err := d.sender.Send(cfg.ShoutrrrURL, msg); err != nil {
		log.Printf("notify: send to %s failed: %v", svc.Name, err)
	}
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	if e.AddonName != "" {
		return fmt.Sprintf("[%s] [%s] %s", e.Severity, e.AddonName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Severity, e.Message)
}
