// Package social polls watched accounts' RSS/Atom feeds and turns unseen posts
// into social events.
package social

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/logging"
	"tickwatch/internal/metrics"
	"tickwatch/internal/models"
	"tickwatch/internal/security"
)

const defaultSeenCapacity = 200

// Handler receives each new post.
type Handler func(ctx context.Context, ev models.SocialEvent) error

// Watcher polls one feed per account.
type Watcher struct {
	feeds    map[string]string // account -> feed URL
	clients  []*http.Client
	capacity int
	handler  Handler
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	next   int
	seen   map[string]*seenSet
	seeded map[string]bool
}

// NewWatcher creates a watcher. Each configured proxy gets its own client and
// requests rotate through them; without proxies requests go direct.
func NewWatcher(cfg config.SocialConfig, handler Handler, logger zerolog.Logger, m *metrics.Metrics) (*Watcher, error) {
	w := &Watcher{
		feeds:    make(map[string]string, len(cfg.Feeds)),
		capacity: cfg.SeenCapacity,
		handler:  handler,
		logger:   logging.WithComponent(logger, "social"),
		metrics:  m,
		seen:     make(map[string]*seenSet),
		seeded:   make(map[string]bool),
	}
	if w.capacity <= 0 {
		w.capacity = defaultSeenCapacity
	}

	for account, feedURL := range cfg.Feeds {
		account = strings.ToLower(strings.TrimSpace(account))
		if err := security.ValidateAccount(account); err != nil {
			return nil, err
		}
		if _, err := url.ParseRequestURI(feedURL); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "feed url for %s: %v", account, err)
		}
		w.feeds[account] = feedURL
	}

	for _, p := range cfg.Proxies {
		proxyURL, err := url.Parse(p)
		if err != nil || proxyURL.Host == "" {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "proxy %q", security.MaskString(p))
		}
		w.clients = append(w.clients, &http.Client{
			Timeout:   20 * time.Second,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		})
	}
	if len(w.clients) == 0 {
		w.clients = []*http.Client{{Timeout: 20 * time.Second}}
	}
	return w, nil
}

// Accounts returns the watched accounts in sorted order.
func (w *Watcher) Accounts() []string {
	out := make([]string, 0, len(w.feeds))
	for a := range w.feeds {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Poll checks every account once and returns the number of new posts handed
// to the handler. A failing account does not stop the others.
func (w *Watcher) Poll(ctx context.Context) int {
	total := 0
	for _, account := range w.Accounts() {
		if ctx.Err() != nil {
			break
		}
		events, err := w.PollAccount(ctx, account)
		if err != nil {
			w.logger.Warn().Err(err).Str("account", account).Msg("Social feed poll failed")
			continue
		}
		total += len(events)
	}
	return total
}

// PollAccount fetches account's feed and delivers unseen posts oldest first.
// The first successful poll of an account only records what is already there.
func (w *Watcher) PollAccount(ctx context.Context, account string) ([]models.SocialEvent, error) {
	feedURL, ok := w.feeds[account]
	if !ok {
		return nil, apperrors.NewDataError("social_feed", account, "account is not watched", apperrors.ErrDataNotFound)
	}

	parser := gofeed.NewParser()
	parser.Client = w.client()
	parser.UserAgent = "tickwatch/1.0"
	feed, err := parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, apperrors.Wrapf(err, "fetching feed for %s", account)
	}

	w.mu.Lock()
	set, ok := w.seen[account]
	if !ok {
		set = newSeenSet(w.capacity)
		w.seen[account] = set
	}
	seeding := !w.seeded[account]
	w.seeded[account] = true
	set.reserve(len(feed.Items))

	var events []models.SocialEvent
	// Feeds list newest first.
	for i := len(feed.Items) - 1; i >= 0; i-- {
		item := feed.Items[i]
		id := postID(item)
		if id == "" || !set.add(id) || seeding {
			continue
		}
		events = append(events, toEvent(account, id, item))
	}
	w.mu.Unlock()

	if seeding {
		w.logger.Info().Str("account", account).Int("posts", len(feed.Items)).Msg("Seeded social feed")
		return nil, nil
	}

	for _, ev := range events {
		w.metrics.SocialPost(account)
		if w.handler == nil {
			continue
		}
		if err := w.handler(ctx, ev); err != nil {
			w.logger.Error().Err(err).Str("account", account).Str("post_id", ev.PostID).Msg("Social event handler failed")
		}
	}
	return events, nil
}

func (w *Watcher) client() *http.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.clients[w.next%len(w.clients)]
	w.next++
	return c
}

func postID(item *gofeed.Item) string {
	switch {
	case item.GUID != "":
		return item.GUID
	case item.Link != "":
		return item.Link
	}
	return item.Title
}

func toEvent(account, id string, item *gofeed.Item) models.SocialEvent {
	parts := make([]string, 0, 2)
	if t := strings.TrimSpace(item.Title); t != "" {
		parts = append(parts, t)
	}
	body := strings.TrimSpace(item.Content)
	if body == "" {
		body = strings.TrimSpace(item.Description)
	}
	if body != "" && body != strings.TrimSpace(item.Title) {
		parts = append(parts, body)
	}

	published := time.Now().UTC()
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.UTC()
	}
	return models.SocialEvent{
		Account:     account,
		PostID:      id,
		Content:     strings.Join(parts, "\n"),
		URL:         item.Link,
		PublishedAt: published,
	}
}

// seenSet remembers recently observed ids up to a capacity. Observing an id
// again refreshes it, so eviction only hits ids that dropped out of the feed.
type seenSet struct {
	capacity int
	order    []string // least recently observed first
	ids      map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{capacity: capacity, ids: make(map[string]struct{}, capacity)}
}

// reserve grows the capacity to hold at least n ids.
func (s *seenSet) reserve(n int) {
	if n > s.capacity {
		s.capacity = n
	}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		for i, x := range s.order {
			if x == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		s.order = append(s.order, id)
		return false
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.order = append(s.order, id)
	s.ids[id] = struct{}{}
	return true
}

func (s *seenSet) size() int { return len(s.order) }
