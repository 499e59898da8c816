package router

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ResponseRouter routes messages coming from a single connection to per-request mailboxes,
// so the goroutine that sent a request can wait for the matching response
type ResponseRouter[T any] struct {
	perRequestMailboxes map[string]chan T
	key                 func(T) string

	lock *sync.Mutex
}

func (router *ResponseRouter[T]) put(msg T) {
	requestID := router.key(msg)
	// the send happens under the lock, Done closes mailboxes under the same lock
	router.locked(func() {
		mailbox := router.perRequestMailboxes[requestID]
		if mailbox == nil {
			logrus.Debugf("Dropping response to %s, nobody is waiting for it", requestID)
			return
		}
		select {
		case mailbox <- msg:
		default:
			logrus.Warnf("Dropping duplicate response to %s", requestID)
		}
	})
}

// Get returns the mailbox for specific request ID, creating it if needed. It has to be called
// before the request is sent, responses to unknown IDs are dropped.
func (router *ResponseRouter[T]) Get(requestID string) <-chan T {
	var mailbox chan T
	router.locked(func() {
		_, mailboxExists := router.perRequestMailboxes[requestID]
		if !mailboxExists {
			router.perRequestMailboxes[requestID] = make(chan T, 1)
		}
		mailbox = router.perRequestMailboxes[requestID]
	})
	return mailbox
}

// Done marks the mailbox for requestID for deletion
func (router *ResponseRouter[T]) Done(requestID string) {
	router.locked(func() {
		if mailbox, mailboxExists := router.perRequestMailboxes[requestID]; mailboxExists {
			close(mailbox)
		}
		delete(router.perRequestMailboxes, requestID)
	})
}

// Pending returns the number of open mailboxes
func (router *ResponseRouter[T]) Pending() int {
	var count int
	router.locked(func() {
		count = len(router.perRequestMailboxes)
	})
	return count
}

func (router *ResponseRouter[T]) closeAll() {
	router.locked(func() {
		for requestID, mailbox := range router.perRequestMailboxes {
			close(mailbox)
			delete(router.perRequestMailboxes, requestID)
		}
	})
}

func (router *ResponseRouter[T]) locked(f func()) {
	router.lock.Lock()
	defer router.lock.Unlock()
	f()
}

// NewResponseRouter creates ResponseRouter instances. All the mailboxes are closed once
// allMessages is closed, so waiters can tell a lost connection apart from a response.
func NewResponseRouter[T any](allMessages <-chan T, key func(T) string) *ResponseRouter[T] {
	theRouter := &ResponseRouter[T]{
		lock:                &sync.Mutex{},
		perRequestMailboxes: make(map[string]chan T),
		key:                 key,
	}
	go func(router *ResponseRouter[T], msgs <-chan T) {
		for message := range msgs {
			router.put(message)
		}
		router.closeAll()
	}(theRouter, allMessages)
	return theRouter
}
