package handlers

import (
	"context"
	"errors"
	"sync"
)

var (
	errChatBusy     = errors.New("a response is already being generated for this chat")
	errShuttingDown = errors.New("server is shutting down")
)

// replies tracks the responses being generated, one per chat at most. Admission, cancellation and
// shutdown share one lock, so no reply can start once closing begins.
type replies struct {
	mu      sync.Mutex
	closing bool
	running map[string]*reply

	wg sync.WaitGroup
}

type reply struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newReplies() *replies {
	return &replies{running: map[string]*reply{}}
}

// begin registers a reply for chatID. Every successful begin must be paired with one release.
func (r *replies) begin(chatID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return errShuttingDown
	}
	if _, ok := r.running[chatID]; ok {
		return errChatBusy
	}
	r.running[chatID] = &reply{cancel: cancel, done: make(chan struct{})}
	r.wg.Add(1)
	return nil
}

// track counts a background task that shutdown waits for. It must only be called while a reply
// begun by the caller is still registered.
func (r *replies) track() {
	r.wg.Add(1)
}

func (r *replies) untrack() {
	r.wg.Done()
}

func (r *replies) release(chatID string) {
	r.mu.Lock()
	rep, ok := r.running[chatID]
	delete(r.running, chatID)
	r.mu.Unlock()

	if !ok {
		return
	}
	rep.cancel()
	close(rep.done)
	r.wg.Done()
}

// stop cancels the reply of chatID and returns a channel closed once it is released, or nil when no
// reply is running.
func (r *replies) stop(chatID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep, ok := r.running[chatID]
	if !ok {
		return nil
	}
	rep.cancel()
	return rep.done
}

func (r *replies) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rep := range r.running {
		rep.cancel()
	}
}

func (r *replies) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// close refuses new replies and returns a channel closed once all tracked work has finished.
func (r *replies) close() <-chan struct{} {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	return done
}
