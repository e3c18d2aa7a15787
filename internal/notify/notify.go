// Package notify fans run outcomes out to operator channels. Delivery is
// best effort: a channel failure is logged and never alters the run result.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/logging"
)

// Severity levels, lowest to highest.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Event is one operator-facing message.
type Event struct {
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Dispatcher sends events to every configured channel that passes the
// minimum-level filter.
type Dispatcher struct {
	mu  sync.RWMutex
	cfg *config.Notify
	log *logging.Logger

	client *http.Client

	// PushoverURL points at the live API; tests swap it out.
	PushoverURL string
}

// NewDispatcher returns a dispatcher for the given notify block. A nil block
// disables everything.
func NewDispatcher(cfg *config.Notify, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.WithComponent("notify")
	}
	return &Dispatcher{
		cfg:         cfg,
		log:         logger,
		client:      &http.Client{Timeout: 10 * time.Second},
		PushoverURL: "https://api.pushover.net/1/messages.json",
	}
}

// UpdateConfig swaps the notify block, e.g. after a config reload.
func (d *Dispatcher) UpdateConfig(cfg *config.Notify) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// Send dispatches to all channels concurrently and waits for them.
func (d *Dispatcher) Send(ev Event) {
	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	if cfg == nil || !cfg.Enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if !shouldSend(ev.Level, cfg.MinLevel) {
		return
	}

	var wg sync.WaitGroup
	for _, ch := range cfg.Channels {
		wg.Add(1)
		go func(ch config.Channel) {
			defer wg.Done()
			if err := d.sendToChannel(ch, ev); err != nil {
				d.log.Error("notification failed",
					"channel", ch.Name, "type", ch.Type, "error", err)
			}
		}(ch)
	}
	wg.Wait()
}

// SendSimple is a helper for plain title/message events.
func (d *Dispatcher) SendSimple(title, message, level string) {
	d.Send(Event{Title: title, Message: message, Level: level})
}

// shouldSend checks the event level against the configured minimum.
func shouldSend(msgLevel, minLevel string) bool {
	if minLevel == "" {
		return true
	}

	levels := map[string]int{
		LevelInfo:     1,
		LevelWarning:  2,
		LevelCritical: 3,
	}

	return levels[strings.ToLower(msgLevel)] >= levels[strings.ToLower(minLevel)]
}

func (d *Dispatcher) sendToChannel(ch config.Channel, ev Event) error {
	switch strings.ToLower(ch.Type) {
	case "pushover":
		return d.sendPushover(ch, ev)
	case "ntfy":
		return d.sendNtfy(ch, ev)
	case "webhook":
		return d.sendWebhook(ch, ev)
	default:
		return fmt.Errorf("unknown channel type: %s", ch.Type)
	}
}

func (d *Dispatcher) sendPushover(ch config.Channel, ev Event) error {
	if ch.APIToken == "" || ch.UserKey == "" {
		return fmt.Errorf("missing api_token or user_key")
	}

	payload := map[string]any{
		"token":     ch.APIToken,
		"user":      ch.UserKey,
		"title":     ev.Title,
		"message":   ev.Message,
		"timestamp": ev.Timestamp.Unix(),
	}
	if ch.Sound != "" {
		payload["sound"] = ch.Sound
	}
	if ch.Device != "" {
		payload["device"] = ch.Device
	}
	if ev.Level == LevelCritical {
		payload["priority"] = 1
	} else if ch.Priority != 0 {
		payload["priority"] = ch.Priority
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := d.client.Post(d.PushoverURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("pushover failed with status: %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendNtfy(ch config.Channel, ev Event) error {
	if ch.URL == "" {
		return fmt.Errorf("missing url for ntfy")
	}

	req, err := http.NewRequest("POST", ch.URL, strings.NewReader(ev.Message))
	if err != nil {
		return err
	}
	req.Header.Set("Title", ev.Title)

	switch ev.Level {
	case LevelCritical:
		req.Header.Set("Priority", "high")
		req.Header.Set("Tags", "rotating_light")
	case LevelWarning:
		req.Header.Set("Priority", "default")
		req.Header.Set("Tags", "warning")
	default:
		req.Header.Set("Priority", "low")
		req.Header.Set("Tags", "information_source")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ntfy failed with status: %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendWebhook(ch config.Channel, ev Event) error {
	if ch.URL == "" {
		return fmt.Errorf("missing url for webhook")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", ch.URL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}
	return nil
}
