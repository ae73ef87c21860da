package notifier

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"

	"github.com/hdshock/mangafixer/internal/domain"
	"github.com/hdshock/mangafixer/internal/eventbus"
	"github.com/hdshock/mangafixer/internal/logger"
)

// SendFunc delivers message to a single shoutrrr service URL.
type SendFunc func(serviceURL, message string) error

// Notifier forwards pass outcomes to the configured shoutrrr services.
// Failed passes are always reported; completed passes only when at least one
// archive received a record.
type Notifier struct {
	eb   eventbus.Publisher
	urls []string
	send SendFunc

	mu       sync.Mutex
	lastSent time.Time
	sent     int64
	failed   int64

	wg sync.WaitGroup
}

// NewNotifier normalizes rawURLs and drops the ones shoutrrr cannot route.
func NewNotifier(eb eventbus.Publisher, rawURLs []string) *Notifier {
	n := &Notifier{
		eb:   eb,
		send: shoutrrr.Send,
	}
	for _, raw := range rawURLs {
		u, err := NormalizeURL(raw)
		if err != nil {
			logger.Errorf("Ignoring notification URL: %v", err)
			continue
		}
		if _, err := shoutrrr.CreateSender(u); err != nil {
			logger.Errorf("Ignoring notification URL %s: %v", redact(u), err)
			continue
		}
		n.urls = append(n.urls, u)
	}
	return n
}

// SetSender replaces the delivery function. Used by tests.
func (n *Notifier) SetSender(send SendFunc) {
	n.send = send
}

// Enabled reports whether any service URL survived validation.
func (n *Notifier) Enabled() bool {
	return len(n.urls) > 0
}

// Start begins listening for pass outcome events
func (n *Notifier) Start() {
	if !n.Enabled() {
		logger.Debugf("Notifier disabled: no service URLs configured")
		return
	}

	n.eb.Subscribe(domain.PassCompleted, n.handleEvent)
	n.eb.Subscribe(domain.PassFailed, n.handleEvent)

	logger.Infof("Notifier started with %d service(s)", len(n.urls))
}

// Wait blocks until notifications already handed to shoutrrr have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Stats returns delivery counters and the time of the last attempt.
func (n *Notifier) Stats() (sent, failed int64, lastSent time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent, n.failed, n.lastSent
}

func (n *Notifier) handleEvent(ev domain.Event) {
	summary, ok := ev.ParsePassSummary()
	if !ok {
		return
	}
	if !shouldNotify(ev.EventType, summary) {
		return
	}

	message := formatMessage(ev.EventType, summary)
	for _, u := range n.urls {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendNotification(u, ev.EventType, message)
		}()
	}
}

func shouldNotify(eventType domain.EventType, summary domain.PassSummary) bool {
	switch eventType {
	case domain.PassFailed:
		return true
	case domain.PassCompleted:
		return summary.Added > 0
	default:
		return false
	}
}

func (n *Notifier) sendNotification(serviceURL string, eventType domain.EventType, message string) {
	err := n.send(serviceURL, message)

	n.mu.Lock()
	n.lastSent = time.Now()
	if err != nil {
		n.failed++
	} else {
		n.sent++
	}
	n.mu.Unlock()

	if err != nil {
		logger.Errorf("Failed to send %s notification to %s: %v", eventType, redact(serviceURL), err)
		return
	}
	logger.Debugf("Sent %s notification to %s", eventType, redact(serviceURL))
}

// SendTestNotification sends a test message to every configured service.
func (n *Notifier) SendTestNotification() error {
	if !n.Enabled() {
		return fmt.Errorf("no notification services configured")
	}
	message := "MangaFixer test notification\nYour notification configuration is working correctly!"
	var failures []string
	for _, u := range n.urls {
		if err := n.send(u, message); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", redact(u), err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("failed to send: %s", strings.Join(failures, "; "))
	}
	return nil
}

func formatMessage(eventType domain.EventType, s domain.PassSummary) string {
	switch eventType {
	case domain.PassFailed:
		msg := fmt.Sprintf("MangaFixer pass failed after %.1fs\n%d archive(s) processed, %d committed",
			s.DurationSecs, s.Added+s.AlreadyPresent, s.Committed)
		if s.Error != "" {
			msg += "\nError: " + s.Error
		}
		return msg
	default:
		msg := fmt.Sprintf("MangaFixer added ComicInfo.xml to %d archive(s) in %.1fs", s.Added, s.DurationSecs)
		if s.AlreadyPresent > 0 {
			msg += fmt.Sprintf("\n%d already had a record", s.AlreadyPresent)
		}
		if s.Failed > 0 {
			msg += fmt.Sprintf("\n%d could not be read and will be retried", s.Failed)
		}
		return msg
	}
}

// redact keeps only the service scheme so tokens never reach the logs.
func redact(serviceURL string) string {
	if i := strings.Index(serviceURL, "://"); i > 0 {
		return serviceURL[:i] + "://***"
	}
	return "***"
}
