package main

import (
	"sync"
	"time"
)

// StartKeepalive pings the database on a fixed interval so a dropped
// connection is noticed and re-established between requests. The returned
// stop function cancels the task; calling it more than once is safe.
func (s *Store) StartKeepalive(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.Ping(); err != nil {
					s.log.WithError(err).Warn("keepalive: database unreachable")
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
