package main

import (
	"sync"

	"github.com/galdor/go-vr/pkg/vr"
	"github.com/google/uuid"
)

// Session is a client identity used by the API server to submit requests on
// behalf of HTTP clients which do not provide their own. A session is used by
// a single request at a time so that its request numbers reach the primary in
// order.
type Session struct {
	ClientId      vr.ClientId
	RequestNumber vr.RequestNumber
}

func NewSession() *Session {
	return &Session{
		ClientId: vr.ClientId(uuid.New().String()),
	}
}

func (s *Session) NextRequest() (vr.ClientId, vr.RequestNumber) {
	s.RequestNumber++
	return s.ClientId, s.RequestNumber
}

type SessionPool struct {
	sessions []*Session

	mu sync.Mutex
}

func NewSessionPool() *SessionPool {
	return &SessionPool{}
}

func (p *SessionPool) Acquire() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.sessions)
	if n == 0 {
		return NewSession()
	}

	session := p.sessions[n-1]
	p.sessions = p.sessions[:n-1]

	return session
}

func (p *SessionPool) Release(session *Session) {
	p.mu.Lock()
	p.sessions = append(p.sessions, session)
	p.mu.Unlock()
}

func (p *SessionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.sessions)
}
