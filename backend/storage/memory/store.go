package memory

import (
	"errors"
	"sync"

	"github.com/adwski/screen-relay/backend/model"
)

var (
	ErrCodeInUse   = errors.New("code is already in use")
	ErrInvalidCode = errors.New("code has no live host")
	ErrEmptyCode   = errors.New("code is empty")
	ErrNotMember   = errors.New("connection is not a member of the room")
	ErrConnClosed  = errors.New("connection is not live")
)

type (
	set map[model.ConnID]struct{}

	// RoomNotice names a room and the connections that must be told about a change in it.
	RoomNotice struct {
		Code       string
		Recipients []model.ConnID
	}

	// Cleanup is the outcome of detaching a connection.
	// HostGone lists rooms torn down because their host left,
	// ViewerLeft lists rooms the connection was a plain member of.
	Cleanup struct {
		HostGone   []RoomNotice
		ViewerLeft []RoomNotice
	}

	SessionInfo struct {
		Code    string       `json:"code"`
		Host    model.ConnID `json:"-"`
		Members int          `json:"members"`
	}

	Stats struct {
		Connections int `json:"connections"`
		Sessions    int `json:"sessions"`
		Rooms       int `json:"rooms"`
	}
)

// MemStore holds session registry and rooms. Both tables are guarded
// by the same mutex so register, join and cleanup are atomic to each other.
type MemStore struct {
	mx     *sync.Mutex
	live   set
	hosts  map[string]model.ConnID
	rooms  map[string]set
	joined map[model.ConnID]map[string]struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:     &sync.Mutex{},
		live:   make(set),
		hosts:  make(map[string]model.ConnID),
		rooms:  make(map[string]set),
		joined: make(map[model.ConnID]map[string]struct{}),
	}
}

// Attach marks connection as live. Only live connections may register or join.
func (ms *MemStore) Attach(conn model.ConnID) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.live[conn] = struct{}{}
}

// Register makes conn the host of code. First writer wins.
func (ms *MemStore) Register(code string, conn model.ConnID) error {
	if code == "" {
		return ErrEmptyCode
	}
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.live[conn]; !ok {
		return ErrConnClosed
	}
	if _, ok := ms.hosts[code]; ok {
		return ErrCodeInUse
	}
	ms.hosts[code] = conn
	ms.addMember(code, conn)
	return nil
}

// HostOf returns the host connection of code if there is one.
func (ms *MemStore) HostOf(code string) (model.ConnID, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	host, ok := ms.hosts[code]
	return host, ok
}

// Join adds conn to the room of code and returns the other room members.
func (ms *MemStore) Join(code string, conn model.ConnID) ([]model.ConnID, error) {
	if code == "" {
		return nil, ErrEmptyCode
	}
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.live[conn]; !ok {
		return nil, ErrConnClosed
	}
	if _, ok := ms.hosts[code]; !ok {
		return nil, ErrInvalidCode
	}
	ms.addMember(code, conn)
	return ms.membersExcept(code, conn), nil
}

// RelayTargets returns every member of the room except src.
// Senders that are not members get ErrNotMember.
func (ms *MemStore) RelayTargets(code string, src model.ConnID) ([]model.ConnID, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[code]
	if !ok {
		return nil, ErrNotMember
	}
	if _, ok = room[src]; !ok {
		return nil, ErrNotMember
	}
	return ms.membersExcept(code, src), nil
}

// UnregisterAllFor removes every code hosted by conn and returns removed codes.
// Rooms are left intact, use Detach for full cleanup.
func (ms *MemStore) UnregisterAllFor(conn model.ConnID) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return ms.unregisterAllFor(conn)
}

// Detach performs disconnect cleanup for conn. Every room hosted by conn is destroyed,
// conn is removed from every other room it joined.
func (ms *MemStore) Detach(conn model.ConnID) Cleanup {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var cl Cleanup
	delete(ms.live, conn)

	for _, code := range ms.unregisterAllFor(conn) {
		recipients := ms.membersExcept(code, conn)
		for _, member := range recipients {
			ms.forget(member, code)
		}
		ms.forget(conn, code)
		delete(ms.rooms, code)
		cl.HostGone = append(cl.HostGone, RoomNotice{Code: code, Recipients: recipients})
	}

	for code := range ms.joined[conn] {
		room := ms.rooms[code]
		delete(room, conn)
		if len(room) == 0 {
			delete(ms.rooms, code)
			continue
		}
		cl.ViewerLeft = append(cl.ViewerLeft, RoomNotice{Code: code, Recipients: ms.membersExcept(code, conn)})
	}
	delete(ms.joined, conn)
	return cl
}

// Session returns info about a live session.
func (ms *MemStore) Session(code string) (SessionInfo, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	host, ok := ms.hosts[code]
	if !ok {
		return SessionInfo{}, false
	}
	return SessionInfo{
		Code:    code,
		Host:    host,
		Members: len(ms.rooms[code]),
	}, true
}

func (ms *MemStore) Stats() Stats {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return Stats{
		Connections: len(ms.live),
		Sessions:    len(ms.hosts),
		Rooms:       len(ms.rooms),
	}
}

func (ms *MemStore) unregisterAllFor(conn model.ConnID) []string {
	var codes []string
	for code, host := range ms.hosts {
		if host == conn {
			codes = append(codes, code)
			delete(ms.hosts, code)
		}
	}
	return codes
}

func (ms *MemStore) addMember(code string, conn model.ConnID) {
	room, ok := ms.rooms[code]
	if !ok {
		room = make(set)
		ms.rooms[code] = room
	}
	room[conn] = struct{}{}

	codes, ok := ms.joined[conn]
	if !ok {
		codes = make(map[string]struct{})
		ms.joined[conn] = codes
	}
	codes[code] = struct{}{}
}

func (ms *MemStore) forget(conn model.ConnID, code string) {
	codes, ok := ms.joined[conn]
	if !ok {
		return
	}
	delete(codes, code)
	if len(codes) == 0 {
		delete(ms.joined, conn)
	}
}

func (ms *MemStore) membersExcept(code string, conn model.ConnID) []model.ConnID {
	room := ms.rooms[code]
	members := make([]model.ConnID, 0, len(room))
	for member := range room {
		if member != conn {
			members = append(members, member)
		}
	}
	return members
}
