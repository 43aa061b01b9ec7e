// Package session ties live connections to identities, the matchmaking queue
// and matches, and pushes server messages back to them.
package session

import (
	"sync"
	"time"
)

// Conn is the transport side of a connection. Send must not block; it returns
// false when the message was dropped.
type Conn interface {
	Send(data []byte) bool
	Close()
}

// Record is the server's view of one live connection. Identity is empty until
// the connection authenticates.
type Record struct {
	ID          string
	Identity    string
	DisplayName string
	MatchID     string
	JoinedAt    time.Time

	conn Conn
}

// Directory indexes connection records by id and by identity. At most one
// record is bound to an identity at a time.
type Directory struct {
	mu         sync.RWMutex
	byID       map[string]*Record
	byIdentity map[string]*Record
}

func NewDirectory() *Directory {
	return &Directory{
		byID:       make(map[string]*Record),
		byIdentity: make(map[string]*Record),
	}
}

func (d *Directory) add(rec *Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[rec.ID] = rec
}

// bind attaches identity to the record and returns the record it displaced,
// if another connection held the identity. The displaced record is removed.
func (d *Directory) bind(id, identity, displayName string) (*Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	var old *Record
	if prev, taken := d.byIdentity[identity]; taken && prev != rec {
		old = prev
		delete(d.byID, prev.ID)
		rec.MatchID = prev.MatchID
	}
	rec.Identity = identity
	rec.DisplayName = displayName
	d.byIdentity[identity] = rec
	return old, true
}

// remove drops the record. owned reports whether it still held its identity.
func (d *Directory) remove(id string) (rec Record, owned bool, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byID[id]
	if !ok {
		return Record{}, false, false
	}
	delete(d.byID, id)
	if r.Identity != "" && d.byIdentity[r.Identity] == r {
		delete(d.byIdentity, r.Identity)
		owned = true
	}
	return *r, owned, true
}

// Get returns a copy of the record.
func (d *Directory) Get(id string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byID[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ByIdentity returns a copy of the record bound to identity.
func (d *Directory) ByIdentity(identity string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byIdentity[identity]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (d *Directory) setMatch(identity, matchID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.byIdentity[identity]; ok {
		r.MatchID = matchID
	}
}

func (d *Directory) clearMatch(identity, matchID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.byIdentity[identity]; ok && r.MatchID == matchID {
		r.MatchID = ""
	}
}

func (d *Directory) connByIdentity(identity string) Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.byIdentity[identity]; ok {
		return r.conn
	}
	return nil
}

func (d *Directory) connByID(id string) Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.byID[id]; ok {
		return r.conn
	}
	return nil
}

// Len returns the number of live connections.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}
