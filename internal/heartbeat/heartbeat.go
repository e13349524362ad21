// Package heartbeat announces the server to a public directory on a fixed
// period, or writes the same data to a local file when announcing is off.
package heartbeat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPeriod  = 30 * time.Second
	DefaultTimeout = 10 * time.Second

	// a reply longer than this is taken to be the server's public address
	minURLLength = 32
	rejection    = "bad heartbeat"
	maxReplySize = 4096
)

type Options struct {
	URL             string
	Enabled         bool
	Period          time.Duration
	Timeout         time.Duration
	StatusFile      string
	ExternalURLFile string
	Salt            string
	HTTPClient      *http.Client
}

type Client struct {
	opts   Options
	source Source
	http   *http.Client
	logger *slog.Logger

	hooksMu     sync.RWMutex
	onSending   []func(*SendingEvent)
	onSent      []func(Snapshot, string)
	onURLChange []func(oldURL, newURL string)

	urlMu       sync.RWMutex
	externalURL string

	failed   atomic.Bool
	nextBeat atomic.Int64

	timerMu sync.Mutex
	timer   *time.Timer
	wake    chan struct{}
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func New(source Source, opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Enabled && opts.URL == "" {
		return nil, fmt.Errorf("heartbeat url is required when announcing is enabled")
	}
	if opts.Salt == "" {
		salt, err := NewSalt()
		if err != nil {
			return nil, err
		}
		opts.Salt = salt
	}

	// a copy, so the caller's client keeps its own timeout
	client := &http.Client{}
	if opts.HTTPClient != nil {
		*client = *opts.HTTPClient
	}
	// the attempt runs to its timeout; shutdown does not abort it
	client.Timeout = opts.Timeout

	return &Client{
		opts:   opts,
		source: source,
		http:   client,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}, nil
}

func (c *Client) Salt() string {
	return c.opts.Salt
}

func (c *Client) Enabled() bool {
	return c.opts.Enabled
}

// LastAttemptFailed stays true from a failed attempt until a later one gets a
// reply that is not a rejection.
func (c *Client) LastAttemptFailed() bool {
	return c.failed.Load()
}

func (c *Client) ExternalURL() string {
	c.urlMu.RLock()
	defer c.urlMu.RUnlock()
	return c.externalURL
}

// NextBeat is when the next cycle is due, or zero before the first schedule.
func (c *Client) NextBeat() time.Time {
	n := c.nextBeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Client) OnSending(fn func(*SendingEvent)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onSending = append(c.onSending, fn)
}

func (c *Client) OnSent(fn func(Snapshot, string)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onSent = append(c.onSent, fn)
}

func (c *Client) OnURLChanged(fn func(oldURL, newURL string)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onURLChange = append(c.onURLChange, fn)
}

// Start runs the first cycle immediately and then one every period until ctx
// is done or Stop is called.
func (c *Client) Start(ctx context.Context) {
	if c.opts.Enabled {
		c.logger.Info("heartbeat started", "url", c.opts.URL, "period", c.opts.Period)
	} else {
		c.logger.Info("heartbeat disabled, writing status file", "path", c.opts.StatusFile)
	}

	c.wg.Add(1)
	go c.run(ctx)
	c.schedule(0)
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-c.wake:
			c.Beat()
		}
	}
}

// Stop cancels the pending timer and waits for a running cycle to finish.
func (c *Client) Stop() {
	c.stopped.Do(func() {
		close(c.stop)
	})
	c.timerMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerMu.Unlock()
	c.wg.Wait()
}

func (c *Client) schedule(d time.Duration) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	select {
	case <-c.stop:
		return
	default:
	}

	c.nextBeat.Store(time.Now().Add(d).UnixNano())
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, func() {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	})
}

// Beat runs one cycle on the calling goroutine. The next cycle is always
// scheduled, whatever happens in this one.
func (c *Client) Beat() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("heartbeat cycle failed", "panic", r)
		}
		c.schedule(c.opts.Period)
	}()

	snap, cancelled := c.buildSnapshot()
	if cancelled {
		c.logger.Debug("heartbeat cancelled by hook")
		return
	}

	if !c.opts.Enabled {
		if c.opts.StatusFile == "" {
			return
		}
		if err := writeFileAtomic(c.opts.StatusFile, snap.statusFile()); err != nil {
			c.logger.Error("failed to write heartbeat status file", "path", c.opts.StatusFile, "error", err)
		}
		return
	}

	body, err := c.send(snap)
	if err != nil {
		c.failed.Store(true)
		c.logger.Warn("heartbeat failed", "url", c.opts.URL, "error", err)
		return
	}
	c.handleReply(snap, body)
}

func (c *Client) buildSnapshot() (Snapshot, bool) {
	snap := &Snapshot{
		Status:  c.source.HeartbeatStatus(),
		Version: ProtocolVersion,
		Salt:    c.opts.Salt,
	}

	c.hooksMu.RLock()
	hooks := slices.Clone(c.onSending)
	c.hooksMu.RUnlock()

	event := &SendingEvent{snapshot: snap}
	for _, fn := range hooks {
		c.guard("sending", func() { fn(event) })
		if event.Cancel {
			return *snap, true
		}
	}
	return *snap, false
}

func (c *Client) send(snap Snapshot) (string, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, c.opts.URL,
		strings.NewReader(snap.Values().Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("directory returned %s", resp.Status)
	}
	return string(body), nil
}

func (c *Client) handleReply(snap Snapshot, body string) {
	c.failed.Store(false)

	c.hooksMu.RLock()
	sent := slices.Clone(c.onSent)
	changed := slices.Clone(c.onURLChange)
	c.hooksMu.RUnlock()

	for _, fn := range sent {
		c.guard("sent", func() { fn(snap, body) })
	}

	reply := strings.TrimSpace(body)
	if strings.HasPrefix(strings.ToLower(reply), rejection) {
		c.failed.Store(true)
		c.logger.Error("heartbeat rejected by directory", "reply", reply)
		return
	}

	if len(reply) <= minURLLength {
		return
	}

	c.urlMu.Lock()
	old := c.externalURL
	if reply == old {
		c.urlMu.Unlock()
		return
	}
	c.externalURL = reply
	c.urlMu.Unlock()

	c.logger.Info("server url changed", "url", reply)
	if c.opts.ExternalURLFile != "" {
		if err := writeFileAtomic(c.opts.ExternalURLFile, []byte(reply+"\n")); err != nil {
			c.logger.Warn("failed to save server url", "path", c.opts.ExternalURLFile, "error", err)
		}
	}
	for _, fn := range changed {
		c.guard("url_changed", func() { fn(old, reply) })
	}
}

func (c *Client) guard(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("heartbeat hook panicked", "event", event, "panic", r)
		}
	}()
	fn()
}

func writeFileAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}
