package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestQueueFIFO(t *testing.T) {
	q := New[int]()

	_, ok := q.Dequeue()
	require.False(t, ok)
	require.True(t, q.IsEmpty())

	for i := 0; i < 10; i++ {
		q.Enqueue(i)
	}
	assert.Equal(t, int64(10), q.Len())

	for i := 0; i < 10; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok = q.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, int64(0), q.Len())
	assert.True(t, q.IsEmpty())
}

func TestQueueDrain(t *testing.T) {
	q := New[string]()
	q.Enqueue("a")
	q.Enqueue("b")

	var got []string
	n := q.Drain(func(s string) { got = append(got, s) })

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.True(t, q.IsEmpty())
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	defer goleak.VerifyNone(t)

	const (
		producers   = 8
		consumers   = 6
		perProducer = 5000
		total       = producers * perProducer
	)

	q := New[int]()

	var (
		seen     sync.Map
		dequeued sync.WaitGroup
		produced sync.WaitGroup
		mu       sync.Mutex
		count    int
		dupes    int
		done     = make(chan struct{})
	)

	produced.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer produced.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(p*perProducer + i)
			}
		}(p)
	}

	dequeued.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func() {
			defer dequeued.Done()
			for {
				v, ok := q.Dequeue()
				if !ok {
					select {
					case <-done:
						return
					default:
						continue
					}
				}
				if _, loaded := seen.LoadOrStore(v, struct{}{}); loaded {
					mu.Lock()
					dupes++
					mu.Unlock()
				}
				mu.Lock()
				count++
				finished := count == total
				mu.Unlock()
				if finished {
					close(done)
					return
				}
			}
		}()
	}

	produced.Wait()
	dequeued.Wait()

	assert.Equal(t, 0, dupes)
	assert.Equal(t, total, count)
	for v := 0; v < total; v++ {
		_, ok := seen.Load(v)
		require.True(t, ok, "value %d lost", v)
	}
	assert.Equal(t, int64(0), q.Len())
}

func TestQueueLengthTracksPartialDrain(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New[int]()
	var wg sync.WaitGroup

	wg.Add(4)
	for p := 0; p < 4; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Enqueue(i)
			}
		}()
	}
	wg.Wait()

	var taken int64
	var tmu sync.Mutex
	wg.Add(3)
	for c := 0; c < 3; c++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, ok := q.Dequeue(); ok {
					tmu.Lock()
					taken++
					tmu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(300), taken)
	assert.Equal(t, int64(1000)-taken, q.Len())
}
