package heartbeat

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var testStatus = Status{
	Name:       "Test Server",
	Address:    "10.0.0.5",
	Port:       25565,
	Players:    3,
	MaxPlayers: 20,
	Public:     true,
}

func staticSource() Source {
	return SourceFunc(func() Status { return testStatus })
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.Salt == "" {
		opts.Salt = "0123456789abcdef0123456789abcdef"
	}
	if opts.Period == 0 {
		opts.Period = time.Hour
	}
	c, err := New(staticSource(), opts, nil)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

type directory struct {
	mu    sync.Mutex
	forms []url.Values
	reply atomic.Value
}

func newDirectory(t *testing.T, reply string) (*directory, *httptest.Server) {
	t.Helper()
	d := &directory{}
	d.reply.Store(reply)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.forms = append(d.forms, r.PostForm)
		d.mu.Unlock()
		fmt.Fprint(w, d.reply.Load().(string))
	}))
	t.Cleanup(srv.Close)
	return d, srv
}

func (d *directory) last() url.Values {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.forms) == 0 {
		return nil
	}
	return d.forms[len(d.forms)-1]
}

func TestBeatPostsForm(t *testing.T) {
	d, srv := newDirectory(t, "ok")
	c := newClient(t, Options{URL: srv.URL, Enabled: true})
	c.OnSending(func(e *SendingEvent) {
		e.Set("software", "blocksmith")
		e.Set("name", "spoofed")
	})

	c.Beat()

	form := d.last()
	require.NotNil(t, form)
	assert.Equal(t, "true", form.Get("public"))
	assert.Equal(t, "20", form.Get("max"))
	assert.Equal(t, "3", form.Get("users"))
	assert.Equal(t, "25565", form.Get("port"))
	assert.Equal(t, "7", form.Get("version"))
	assert.Equal(t, "0123456789abcdef0123456789abcdef", form.Get("salt"))
	assert.Equal(t, "Test Server", form.Get("name"), "extra fields cannot override core fields")
	assert.Equal(t, "blocksmith", form.Get("software"))
	assert.False(t, c.LastAttemptFailed())
}

func TestTimeoutSetsFailedAndReschedules(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	period := 30 * time.Second
	c := newClient(t, Options{
		URL:     srv.URL,
		Enabled: true,
		Period:  period,
		Timeout: 100 * time.Millisecond,
	})

	before := time.Now()
	c.Beat()

	assert.True(t, c.LastAttemptFailed())
	next := c.NextBeat()
	assert.WithinDuration(t, before.Add(period), next, 5*time.Second)
	assert.True(t, next.After(before.Add(period-time.Second)))
}

func TestCallerClientKeepsItsTimeout(t *testing.T) {
	d, srv := newDirectory(t, "ok")
	shared := &http.Client{Timeout: time.Minute}

	c := newClient(t, Options{URL: srv.URL, Enabled: true, HTTPClient: shared, Timeout: 2 * time.Second})
	c.Beat()

	require.NotNil(t, d.last())
	assert.Equal(t, time.Minute, shared.Timeout)
}

func TestHooksAddedDuringBeatWaitForTheNextOne(t *testing.T) {
	_, srv := newDirectory(t, "ok")
	c := newClient(t, Options{URL: srv.URL, Enabled: true})

	var sending, sent atomic.Int32
	c.OnSending(func(*SendingEvent) {
		sending.Add(1)
		c.OnSending(func(*SendingEvent) { sending.Add(1) })
	})
	c.OnSent(func(Snapshot, string) { sent.Add(1) })

	c.Beat()
	assert.Equal(t, int32(1), sending.Load())
	assert.Equal(t, int32(1), sent.Load())

	c.Beat()
	assert.Equal(t, int32(3), sending.Load())
	assert.Equal(t, int32(2), sent.Load())
}

func TestURLChangeNotifiesOnce(t *testing.T) {
	newURL := "http://classic.example.net/play/0123abcd"
	require.Len(t, newURL, 40)

	_, srv := newDirectory(t, newURL+"\r\n")
	urlFile := filepath.Join(t.TempDir(), "externalurl.txt")
	c := newClient(t, Options{URL: srv.URL, Enabled: true, ExternalURLFile: urlFile})

	type change struct{ oldURL, newURL string }
	var changes []change
	c.OnURLChanged(func(oldURL, newURL string) {
		changes = append(changes, change{oldURL, newURL})
	})

	c.Beat()
	c.Beat()

	require.Len(t, changes, 1)
	assert.Equal(t, change{"", newURL}, changes[0])
	assert.Equal(t, newURL, c.ExternalURL())
	assert.False(t, c.LastAttemptFailed())

	data, err := os.ReadFile(urlFile)
	require.NoError(t, err)
	assert.Equal(t, newURL+"\n", string(data))
}

func TestShortReplyDoesNotChangeURL(t *testing.T) {
	_, srv := newDirectory(t, "thanks")
	c := newClient(t, Options{URL: srv.URL, Enabled: true})

	called := false
	c.OnURLChanged(func(string, string) { called = true })
	c.Beat()

	assert.False(t, called)
	assert.Empty(t, c.ExternalURL())
}

func TestRejectionIsStickyUntilAccepted(t *testing.T) {
	d, srv := newDirectory(t, "Bad Heartbeat: name missing")
	c := newClient(t, Options{URL: srv.URL, Enabled: true})

	var sent int
	c.OnSent(func(Snapshot, string) { sent++ })

	c.Beat()
	assert.True(t, c.LastAttemptFailed())
	assert.Empty(t, c.ExternalURL())

	d.reply.Store("ok")
	c.Beat()
	assert.False(t, c.LastAttemptFailed())
	assert.Equal(t, 2, sent)
}

func TestErrorStatusIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := newClient(t, Options{URL: srv.URL, Enabled: true})
	c.Beat()
	assert.True(t, c.LastAttemptFailed())
}

func TestSendingHookCancels(t *testing.T) {
	d, srv := newDirectory(t, "ok")
	c := newClient(t, Options{URL: srv.URL, Enabled: true})

	var later bool
	c.OnSending(func(e *SendingEvent) { e.Cancel = true })
	c.OnSending(func(e *SendingEvent) { later = true })

	c.Beat()
	assert.Nil(t, d.last())
	assert.False(t, later)
	assert.False(t, c.NextBeat().IsZero(), "a cancelled cycle is still rescheduled")
}

func TestPanickingHookStillReschedules(t *testing.T) {
	d, srv := newDirectory(t, "ok")
	c := newClient(t, Options{URL: srv.URL, Enabled: true})

	c.OnSending(func(e *SendingEvent) { panic("boom") })
	c.OnSent(func(Snapshot, string) { panic("boom") })

	c.Beat()
	assert.NotNil(t, d.last())
	assert.False(t, c.NextBeat().IsZero())
}

func TestDisabledWritesStatusFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeatdata.txt")
	c := newClient(t, Options{Enabled: false, StatusFile: path})

	c.Beat()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, []string{
		"0123456789abcdef0123456789abcdef",
		"10.0.0.5",
		"25565",
		"3",
		"20",
		"Test Server",
		"true",
	}, lines)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "heartbeatdata.txt")
	c, err := New(staticSource(), Options{StatusFile: path, Period: time.Hour, Salt: "s"}, nil)
	require.NoError(t, err)

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestEnabledRequiresURL(t *testing.T) {
	_, err := New(staticSource(), Options{Enabled: true}, nil)
	assert.Error(t, err)
}

func TestVerifyName(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	require.Len(t, salt, 32)

	sum := md5.Sum([]byte(salt + "alice"))
	key := hex.EncodeToString(sum[:])

	assert.True(t, VerifyName(salt, "alice", key))
	assert.True(t, VerifyName(salt, "alice", strings.ToUpper(key)))
	assert.False(t, VerifyName(salt, "bob", key))
	assert.False(t, VerifyName(salt, "alice", ""))
}
