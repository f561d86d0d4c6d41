package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/sift/internal/models"
)

func TestWorkerRun(t *testing.T) {
	pages := make(map[string]string)
	urls := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		u := fmt.Sprintf("https://example.com/page/%d", i)
		pages[u] = page(3 + i)
		urls = append(urls, u)
	}
	h := newHarness(t, pages)

	var done atomic.Int32
	w := NewWorker(h.service, h.queue, WorkerConfig{
		Concurrency: 2,
		OnDone:      func(error) { done.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	_, err := h.service.Submit(context.Background(), urls)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return done.Load() == int32(len(urls)) }, 5*time.Second, 10*time.Millisecond)

	for _, u := range urls {
		assert.Equal(t, models.StatusCompleted, h.document(t, u).Status, u)
	}

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	h := newHarness(t, nil)
	w := NewWorker(h.service, h.queue, WorkerConfig{Concurrency: 3})

	errc := make(chan error, 1)
	go func() { errc <- w.Run(context.Background()) }()

	require.NoError(t, h.queue.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerKeepsGoingAfterFailedJob(t *testing.T) {
	h := newHarness(t, map[string]string{docURL: page(2)})

	var failures, total atomic.Int32
	w := NewWorker(h.service, h.queue, WorkerConfig{
		Concurrency: 1,
		OnDone: func(err error) {
			total.Add(1)
			if err != nil {
				failures.Add(1)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	_, err := h.service.Submit(context.Background(), []string{"https://example.com/missing", docURL})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return total.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, models.StatusFailed, h.document(t, "https://example.com/missing").Status)
	assert.Equal(t, models.StatusCompleted, h.document(t, docURL).Status)
}
