package aes67

import (
	"slices"
	"sync"
	"time"

	"github.com/arzzra/aes67/pkg/sap"
)

// SessionEventType тип уведомления об удаленной сессии
type SessionEventType int

const (
	SessionOnline SessionEventType = iota
	SessionOffline
)

func (t SessionEventType) String() string {
	if t == SessionOffline {
		return "offline"
	}
	return "online"
}

// SessionEvent уведомление о появлении, обновлении или исчезновении сессии
type SessionEvent struct {
	Type    SessionEventType
	Session sap.Description
	Origin  string // Адрес источника объявления

	// Changed запись новая или у потока сменились параметры (группа, формат, master).
	// Повторное объявление без изменений и переименование приходят с false.
	Changed bool
}

type sessionKey struct {
	ssrc   uint32
	origin string
}

type discoveredSession struct {
	desc     sap.Description
	hash     uint64
	lastSeen time.Time
}

// discoveryTable таблица обнаруженных в сети сессий с истечением по таймауту
type discoveryTable struct {
	mu       sync.Mutex
	sessions map[sessionKey]*discoveredSession
	timeout  time.Duration
	now      func() time.Time
}

func newDiscoveryTable(timeout time.Duration) *discoveryTable {
	return &discoveryTable{
		sessions: make(map[sessionKey]*discoveredSession),
		timeout:  timeout,
		now:      time.Now,
	}
}

// upsert добавляет или обновляет запись. true, если запись новая
// (в том числе взамен просроченной) или изменился хэш параметров потока.
func (t *discoveryTable) upsert(key sessionKey, desc sap.Description) bool {
	hash := sap.ContentHash(&desc)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	prev, ok := t.sessions[key]
	t.sessions[key] = &discoveredSession{desc: desc, hash: hash, lastSeen: now}
	return !ok || now.Sub(prev.lastSeen) > t.timeout || prev.hash != hash
}

// remove удаляет запись; false если ее не было
func (t *discoveryTable) remove(key sessionKey) (sap.Description, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		return sap.Description{}, false
	}
	delete(t.sessions, key)
	return s.desc, true
}

// sweep удаляет записи старше таймаута и возвращает их
func (t *discoveryTable) sweep() []SessionEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []SessionEvent
	for key, s := range t.sessions {
		if now.Sub(s.lastSeen) > t.timeout {
			delete(t.sessions, key)
			expired = append(expired, SessionEvent{Type: SessionOffline, Session: s.desc, Origin: key.origin})
		}
	}
	return expired
}

// list живые записи; просроченные, но еще не удаленные sweep, не возвращаются
func (t *discoveryTable) list() []sap.Description {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]sap.Description, 0, len(t.sessions))
	for _, s := range t.sessions {
		if now.Sub(s.lastSeen) <= t.timeout {
			out = append(out, s.desc)
		}
	}
	slices.SortFunc(out, func(a, b sap.Description) int {
		switch {
		case a.SessionID < b.SessionID:
			return -1
		case a.SessionID > b.SessionID:
			return 1
		}
		return 0
	})
	return out
}

func (t *discoveryTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// usesSSRC занят ли SSRC какой-либо записью
func (t *discoveryTable) usesSSRC(ssrc uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.sessions {
		if key.ssrc == ssrc {
			return true
		}
	}
	return false
}

// multicastAddresses адреса назначения всех записей
func (t *discoveryTable) multicastAddresses() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]struct{}, len(t.sessions))
	for _, s := range t.sessions {
		out[s.desc.MulticastAddress] = struct{}{}
	}
	return out
}
