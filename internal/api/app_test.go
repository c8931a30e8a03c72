package api

import (
	"fmt"
	"net/http"
	"time"
)

func (s *UnitTestSuite) TestRunServerInterruptible() {
	cfg := s.cfg
	cfg.Host = "127.0.0.1"
	cfg.Port = TestServerPort
	stop, done := RunServerInterruptible(cfg, s.handler())

	url := fmt.Sprintf("http://127.0.0.1:%d/health", TestServerPort)
	s.Eventually(func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	stop <- struct{}{}
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("server did not shut down")
	}
}

func (s *UnitTestSuite) TestAttemptLimiter() {
	l := newAttemptLimiter(2)
	s.True(l.Allow("a"))
	s.True(l.Allow("a"))
	s.False(l.Allow("a"))
	s.True(l.Allow("b"))

	unlimited := newAttemptLimiter(0)
	for i := 0; i < 100; i++ {
		s.True(unlimited.Allow("a"))
	}
}

func (s *UnitTestSuite) TestAttemptLimiterCapsTrackedKeys() {
	now := time.Now()
	l := newAttemptLimiter(5)
	l.maxKeys = 2
	l.seen.now = func() time.Time { return now }

	s.True(l.Allow("a"))
	s.True(l.Allow("b"))
	s.False(l.Allow("c"))
	s.True(l.Allow("a"))
	s.Equal(2, l.seen.Len())

	now = now.Add(2 * attemptWindow)
	s.True(l.Allow("c"))
	s.Equal(1, l.seen.Len())
}

func (s *UnitTestSuite) TestTTLCache() {
	now := time.Now()
	c := NewTTL[string, int]()
	c.now = func() time.Time { return now }

	c.Set("k", 1, time.Minute)
	v, ok := c.Get("k")
	s.True(ok)
	s.Equal(1, v)
	s.True(c.Replace("k", 2))
	v, _ = c.Get("k")
	s.Equal(2, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	s.False(ok)
	s.False(c.Replace("k", 3))
	s.Equal(1, c.Len())
	c.Sweep()
	s.Equal(0, c.Len())
}
