package social

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/models"
)

type rssPost struct {
	guid  string
	title string
	body  string
}

// feedServer serves an RSS document whose items can change between polls.
type feedServer struct {
	mu    sync.Mutex
	posts []rssPost // newest first
	hits  int32
}

func (f *feedServer) publish(p rssPost) {
	f.mu.Lock()
	f.posts = append([]rssPost{p}, f.posts...)
	f.mu.Unlock()
}

func (f *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.hits, 1)
	f.mu.Lock()
	defer f.mu.Unlock()

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>posts</title>`)
	for _, p := range f.posts {
		fmt.Fprintf(&b, `<item><guid>%s</guid><title>%s</title><description>%s</description><link>https://example.com/%s</link><pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate></item>`,
			p.guid, p.title, p.body, p.guid)
	}
	b.WriteString(`</channel></rss>`)
	w.Header().Set("Content-Type", "application/rss+xml")
	_, _ = w.Write([]byte(b.String()))
}

type recorder struct {
	mu     sync.Mutex
	events []models.SocialEvent
}

func (r *recorder) handle(_ context.Context, ev models.SocialEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestWatcher_FirstPollSeedsWithoutEvents(t *testing.T) {
	fs := &feedServer{}
	fs.publish(rssPost{guid: "1", title: "gm", body: "good morning"})
	fs.publish(rssPost{guid: "2", title: "Buying more BTC", body: "Buying more BTC"})
	srv := httptest.NewServer(fs)
	defer srv.Close()

	rec := &recorder{}
	w, err := NewWatcher(config.SocialConfig{Feeds: map[string]string{"Elon": srv.URL}}, rec.handle, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if got := w.Accounts(); len(got) != 1 || got[0] != "elon" {
		t.Fatalf("accounts = %v", got)
	}

	if n := w.Poll(context.Background()); n != 0 {
		t.Fatalf("first poll delivered %d events", n)
	}
	if rec.count() != 0 {
		t.Fatal("handler called while seeding")
	}

	fs.publish(rssPost{guid: "3", title: "Dogecoin to the moon", body: "Dogecoin to the moon"})
	fs.publish(rssPost{guid: "4", title: "rockets", body: "launch at 9"})

	events, err := w.PollAccount(context.Background(), "elon")
	if err != nil {
		t.Fatalf("PollAccount: %v", err)
	}
	if len(events) != 2 || rec.count() != 2 {
		t.Fatalf("events = %d, handled = %d, want 2", len(events), rec.count())
	}
	if events[0].PostID != "3" || events[1].PostID != "4" {
		t.Errorf("events not oldest first: %s, %s", events[0].PostID, events[1].PostID)
	}
	ev := events[0]
	if ev.Account != "elon" || ev.Content != "Dogecoin to the moon" || ev.URL != "https://example.com/3" {
		t.Errorf("unexpected event %+v", ev)
	}
	if events[1].Content != "rockets\nlaunch at 9" {
		t.Errorf("content = %q", events[1].Content)
	}

	if n := w.Poll(context.Background()); n != 0 {
		t.Errorf("repeat poll delivered %d events", n)
	}
}

func TestWatcher_UnknownAccount(t *testing.T) {
	w, err := NewWatcher(config.SocialConfig{}, nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if _, err := w.PollAccount(context.Background(), "nobody"); !errors.Is(err, apperrors.ErrDataNotFound) {
		t.Errorf("err = %v, want ErrDataNotFound", err)
	}
}

func TestWatcher_FailingFeedDoesNotStopOthers(t *testing.T) {
	good := &feedServer{}
	goodSrv := httptest.NewServer(good)
	defer goodSrv.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer bad.Close()

	rec := &recorder{}
	w, err := NewWatcher(config.SocialConfig{Feeds: map[string]string{"alpha": bad.URL, "beta": goodSrv.URL}}, rec.handle, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Poll(context.Background())
	good.publish(rssPost{guid: "x", title: "eth upgrade", body: "eth upgrade"})
	if n := w.Poll(context.Background()); n != 1 {
		t.Errorf("delivered %d events, want 1", n)
	}
}

func TestWatcher_RotatesProxies(t *testing.T) {
	fs := &feedServer{}
	// An HTTP proxy receives the absolute URL and can answer it directly.
	p1 := httptest.NewServer(fs)
	defer p1.Close()
	var p2Hits int32
	p2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p2Hits, 1)
		fs.ServeHTTP(w, r)
	}))
	defer p2.Close()

	w, err := NewWatcher(config.SocialConfig{
		Feeds:   map[string]string{"elon": "http://feeds.invalid/elon.rss"},
		Proxies: []string{p1.URL, p2.URL},
	}, nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := w.PollAccount(context.Background(), "elon"); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	total := atomic.LoadInt32(&fs.hits)
	if total != 4 || atomic.LoadInt32(&p2Hits) != 2 {
		t.Errorf("hits total=%d via second proxy=%d, want 4 and 2", total, p2Hits)
	}
}

func TestNewWatcher_RejectsBadConfig(t *testing.T) {
	if _, err := NewWatcher(config.SocialConfig{Proxies: []string{"::bad"}}, nil, zerolog.Nop(), nil); !errors.Is(err, apperrors.ErrConfigInvalid) {
		t.Errorf("bad proxy err = %v", err)
	}
	if _, err := NewWatcher(config.SocialConfig{Feeds: map[string]string{"bad account!": "http://x"}}, nil, zerolog.Nop(), nil); err == nil {
		t.Error("invalid account accepted")
	}
}

func TestSeenSet_EvictsOldest(t *testing.T) {
	s := newSeenSet(3)
	for _, id := range []string{"a", "b", "c"} {
		if !s.add(id) {
			t.Fatalf("%s reported as seen", id)
		}
	}
	if s.add("b") {
		t.Error("duplicate accepted")
	}
	s.add("d")
	if s.size() != 3 {
		t.Errorf("size = %d, want 3", s.size())
	}
	if !s.add("a") {
		t.Error("oldest id was not evicted")
	}
	if s.add("d") {
		t.Error("recent id was evicted")
	}
}

func TestWatcher_FeedLargerThanSeenCapacity(t *testing.T) {
	fs := &feedServer{}
	for i := 1; i <= 5; i++ {
		fs.publish(rssPost{guid: fmt.Sprint(i), title: "post", body: fmt.Sprint("post ", i)})
	}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	rec := &recorder{}
	w, err := NewWatcher(config.SocialConfig{Feeds: map[string]string{"elon": srv.URL}, SeenCapacity: 2}, rec.handle, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	w.Poll(context.Background())
	if n := w.Poll(context.Background()); n != 0 {
		t.Fatalf("unchanged feed re-delivered %d posts", n)
	}

	fs.publish(rssPost{guid: "6", title: "post", body: "post 6"})
	events, err := w.PollAccount(context.Background(), "elon")
	if err != nil {
		t.Fatalf("PollAccount: %v", err)
	}
	if len(events) != 1 || events[0].PostID != "6" {
		t.Errorf("events = %+v, want only post 6", events)
	}
}

func TestSeenSet_RefreshKeepsVisibleIDs(t *testing.T) {
	s := newSeenSet(2)
	s.add("a")
	s.add("b")
	s.add("a")
	s.add("c")
	if s.add("a") {
		t.Error("refreshed id was evicted before a stale one")
	}
	if !s.add("b") {
		t.Error("stale id should have been evicted")
	}
}
