// Package room implements the chat room engine: the session registry,
// nickname pool, broadcast fan-out, inbound dispatch, the math quiz, and
// the background reaper. The engine is transport-agnostic; it consumes
// abstract text-message channels and an injected time source.
package room

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"parlor/server/internal/clock"
	"parlor/server/internal/diag"
	"parlor/server/internal/protocol"

	"golang.org/x/time/rate"
)

// workerPollingPeriod bounds the latency of quiz publication and session
// cleanup.
const workerPollingPeriod = 50 * time.Millisecond

// goingAwayCode is the close code used when the room tears a channel down.
const goingAwayCode = 1001

// Config carries the room's load-time settings. The nickname pool is
// final: only names listed here can ever be claimed.
type Config struct {
	Nicknames           []string
	InitialPoints       map[string]int
	TellTimeout         float64
	MinQuestionCooldown float64
	MaxQuestionCooldown float64
}

// Stats are cumulative room counters since Start.
type Stats struct {
	Sessions  int    `json:"sessions"`
	Tells     uint64 `json:"tells"`
	Questions uint64 `json:"questions"`
	Awards    uint64 `json:"awards"`
	Penalties uint64 `json:"penalties"`
}

// Room owns all chat room state. A single mutex serialises every mutation;
// handlers broadcast while holding it, and only the worker releases it
// mid-pass (to send quiz questions and destroy reaped sessions).
type Room struct {
	tk   clock.TimeKeeper
	diag diag.Sink

	mu              sync.Mutex
	rng             *rand.Rand
	sessions        map[uint64]*session
	nextSessionID   uint64
	available       map[string]struct{}
	initialPoints   map[string]int
	tellTimeout     float64
	minCooldown     float64
	maxCooldown     float64
	usersHaveClosed bool

	questionComponents [3]int
	question           string
	answer             string
	answeredCorrectly  bool
	nextQuestionTime   float64
	questionChanged    chan struct{}

	started bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}

	tells     atomic.Uint64
	questions atomic.Uint64
	awards    atomic.Uint64
	penalties atomic.Uint64
}

// New builds a room from its configuration. The room is idle until Start.
func New(cfg Config, tk clock.TimeKeeper, sink diag.Sink) *Room {
	if tk == nil {
		tk = clock.System()
	}
	if sink == nil {
		sink = diag.Discard()
	}
	r := &Room{
		tk:                tk,
		diag:              sink,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		sessions:          make(map[uint64]*session),
		available:         make(map[string]struct{}, len(cfg.Nicknames)),
		initialPoints:     make(map[string]int, len(cfg.InitialPoints)),
		tellTimeout:       cfg.TellTimeout,
		minCooldown:       cfg.MinQuestionCooldown,
		maxCooldown:       cfg.MaxQuestionCooldown,
		answeredCorrectly: true,
		nextQuestionTime:  math.MaxFloat64,
		questionChanged:   make(chan struct{}),
		wake:              make(chan struct{}, 1),
	}
	for _, nickname := range cfg.Nicknames {
		r.available[nickname] = struct{}{}
	}
	for nickname, points := range cfg.InitialPoints {
		r.initialPoints[nickname] = points
	}
	if r.minCooldown > r.maxCooldown {
		r.minCooldown, r.maxCooldown = r.maxCooldown, r.minCooldown
	}
	return r
}

// Start schedules the first quiz question and launches the worker.
// Starting a started room is a no-op.
func (r *Room) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.nextQuestionTime = r.tk.Now()
	r.cooldownNextQuestionLocked()
	r.mu.Unlock()
	go r.worker()
}

// Stop joins the worker and drops every remaining session. Channels are
// closed only after the lock is released.
func (r *Room) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stop)
	r.mu.Unlock()
	<-r.done

	r.mu.Lock()
	staged := make([]*session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		delete(r.sessions, id)
		staged = append(staged, s)
	}
	r.usersHaveClosed = false
	r.answeredCorrectly = true
	r.nextQuestionTime = math.MaxFloat64
	r.mu.Unlock()

	for _, s := range staged {
		if s.ch != nil {
			s.ch.Close(goingAwayCode, "chat room unloading")
		}
	}
}

// AddUser admits one connection. The session ID is allocated before the
// channel is negotiated and is consumed even if negotiation fails, so IDs
// are never reused.
func (r *Room) AddUser(open OpenFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSessionID++
	id := r.nextSessionID
	s := &session{
		id:         id,
		senderName: fmt.Sprintf("Session #%d", id),
		open:       true,
		limiter:    rate.NewLimiter(rate.Every(secondsToDuration(r.tellTimeout)), 1),
	}
	r.sessions[id] = s

	senderName := s.senderName
	ch, unsubscribe, err := open(Delegates{
		OnText:  func(data string) { r.receive(id, data) },
		OnClose: func() { r.channelClosed(id) },
		Diag: func(_ string, level int, message string) {
			r.diag(senderName, level, message)
		},
	})
	if err != nil {
		delete(r.sessions, id)
		return err
	}
	s.ch = ch
	s.unsubscribe = unsubscribe
	return nil
}

// receive decodes one inbound frame and routes it by Type. Malformed JSON
// and unknown types are dropped without disturbing room state.
func (r *Room) receive(id uint64, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	var in protocol.Inbound
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return
	}
	switch in.Type {
	case protocol.TypeSetNickName:
		r.setNickName(s, in)
	case protocol.TypeGetNickNames:
		r.getNickNames(s)
	case protocol.TypeTell:
		r.tell(s, in)
	case protocol.TypeGetAvailableNickNames:
		r.getAvailableNickNames(s)
	case protocol.TypeGetUsers:
		r.getUsers(s)
	}
}

// channelClosed marks the session for the reaper and wakes the worker.
// The session stays in the map (and keeps receiving broadcasts, which the
// transport discards) until the reaper runs.
func (r *Room) channelClosed(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.open = false
	r.usersHaveClosed = true
	r.wakeWorker()
}

func (r *Room) wakeWorker() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// sendToUser stamps Time and delivers one envelope to one session.
func (r *Room) sendToUser(s *session, msg protocol.Object) {
	msg.Set("Time", r.tk.Now())
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.ch.SendText(string(b))
}

// sendToAllLocked stamps Time once and fans the envelope out to every
// session, including ones whose channels have closed but are not yet
// reaped. Callers hold the room lock; channel sends never re-enter it.
func (r *Room) sendToAllLocked(msg protocol.Object) {
	msg.Set("Time", r.tk.Now())
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, s := range r.sessions {
		s.ch.SendText(string(b))
	}
}

// snapshotChannelsLocked captures the current fan-out targets so the
// worker can broadcast after releasing the lock.
func (r *Room) snapshotChannelsLocked() []Channel {
	targets := make([]Channel, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s.ch)
	}
	return targets
}

// broadcast stamps Time and sends to a previously captured snapshot.
func (r *Room) broadcast(targets []Channel, msg protocol.Object) {
	msg.Set("Time", r.tk.Now())
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, ch := range targets {
		ch.SendText(string(b))
	}
}

// SessionCount returns the number of live session records, reaped or not.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Users returns the non-lurker sessions in session-ID ascending order.
func (r *Room) Users() []protocol.UserEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usersLocked()
}

func (r *Room) usersLocked() []protocol.UserEntry {
	ids := make([]uint64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	users := make([]protocol.UserEntry, 0, len(ids))
	for _, id := range ids {
		s := r.sessions[id]
		if s.nickname == "" {
			continue
		}
		users = append(users, protocol.UserEntry{Nickname: s.nickname, Points: s.points})
	}
	return users
}

// AvailableNickNames returns the currently unclaimed pool names, sorted.
func (r *Room) AvailableNickNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableLocked()
}

func (r *Room) availableLocked() []string {
	names := make([]string, 0, len(r.available))
	for name := range r.available {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns cumulative counters plus the live session count.
func (r *Room) Stats() Stats {
	return Stats{
		Sessions:  r.SessionCount(),
		Tells:     r.tells.Load(),
		Questions: r.questions.Load(),
		Awards:    r.awards.Load(),
		Penalties: r.penalties.Load(),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

var epoch = time.Unix(0, 0)

// timeAt maps injected seconds onto the absolute timeline the rate
// limiters run against.
func timeAt(seconds float64) time.Time {
	return epoch.Add(secondsToDuration(seconds))
}
