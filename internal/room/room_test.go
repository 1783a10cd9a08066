package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"parlor/server/internal/clock"
)

// fakeChannel records every frame the room sends, decoded back into maps.
type fakeChannel struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (f *fakeChannel) SendText(text string) {
	var frame map[string]any
	if err := json.Unmarshal([]byte(text), &frame); err != nil {
		panic(fmt.Sprintf("room sent invalid JSON: %v", err))
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
}

func (f *fakeChannel) Close(int, string) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// take drains and returns the recorded frames.
func (f *fakeChannel) take() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

// testClient is one admitted session driven directly through its
// delegates.
type testClient struct {
	ch      *fakeChannel
	onText  func(string)
	onClose func()
}

func join(t *testing.T, r *Room) *testClient {
	t.Helper()
	tc := &testClient{ch: &fakeChannel{}}
	err := r.AddUser(func(d Delegates) (Channel, func(), error) {
		tc.onText = d.OnText
		tc.onClose = d.OnClose
		return tc.ch, func() {}, nil
	})
	if err != nil {
		t.Fatalf("add user: %v", err)
	}
	return tc
}

func (tc *testClient) send(t *testing.T, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	tc.onText(string(data))
}

func (tc *testClient) sendRaw(data string) {
	tc.onText(data)
}

func assertFrames(t *testing.T, tc *testClient, want ...map[string]any) {
	t.Helper()
	got := tc.ch.take()
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d: %#v", len(got), len(want), got)
	}
	for i := range want {
		assertFrameEqual(t, got[i], want[i])
	}
}

func assertFrameEqual(t *testing.T, got, want map[string]any) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("frame %#v, want %#v", got, want)
	}
	for key, wantVal := range want {
		gotVal, ok := got[key]
		if !ok {
			t.Fatalf("frame %#v missing %q, want %#v", got, key, want)
		}
		if fmt.Sprintf("%v", gotVal) != fmt.Sprintf("%v", wantVal) {
			t.Fatalf("frame field %q = %#v, want %#v (frame %#v)", key, gotVal, wantVal, got)
		}
	}
}

func assertNoFrames(t *testing.T, tc *testClient) {
	t.Helper()
	if got := tc.ch.take(); len(got) != 0 {
		t.Fatalf("expected no frames, got %#v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testConfig() Config {
	return Config{
		Nicknames:           []string{"Alice", "Bob", "Carol"},
		InitialPoints:       map[string]int{"Bob": 5},
		TellTimeout:         1.0,
		MinQuestionCooldown: 10.0,
		MaxQuestionCooldown: 10.0,
	}
}

func setNick(nick string) map[string]any {
	return map[string]any{"Type": "SetNickName", "NickName": nick}
}

func tellMsg(text string) map[string]any {
	return map[string]any{"Type": "Tell", "Tell": text}
}

func TestJoinAndListNickNames(t *testing.T) {
	mk := clock.NewManual(0)
	r := New(testConfig(), mk, nil)

	w0 := join(t, r)
	w1 := join(t, r)
	w2 := join(t, r)

	w0.send(t, setNick("Bob"))
	joinFrame := map[string]any{"Type": "Join", "NickName": "Bob", "Time": 0.0}
	assertFrames(t, w0, joinFrame,
		map[string]any{"Type": "SetNickNameResult", "Success": true, "Time": 0.0})
	assertFrames(t, w1, joinFrame)
	assertFrames(t, w2, joinFrame)

	w0.send(t, map[string]any{"Type": "GetNickNames"})
	assertFrames(t, w0,
		map[string]any{"Type": "NickNames", "NickNames": []any{"Bob"}, "Time": 0.0})
	assertNoFrames(t, w1)
}

func TestClaimConflict(t *testing.T) {
	r := New(testConfig(), clock.NewManual(0), nil)
	w0 := join(t, r)
	w1 := join(t, r)

	w0.send(t, setNick("Bob"))
	w0.ch.take()
	w1.ch.take()

	w1.send(t, setNick("Bob"))
	assertFrames(t, w1,
		map[string]any{"Type": "SetNickNameResult", "Success": false, "Time": 0.0})
	assertNoFrames(t, w0)
}

func TestSetNickNameDecisionTable(t *testing.T) {
	r := New(testConfig(), clock.NewManual(0), nil)
	w0 := join(t, r)
	w1 := join(t, r)

	// Lurker clearing an empty nickname is a silent success.
	w0.send(t, setNick(""))
	assertFrames(t, w0,
		map[string]any{"Type": "SetNickNameResult", "Success": true, "Time": 0.0})
	assertNoFrames(t, w1)

	// Unknown names are rejected without a broadcast.
	w0.send(t, setNick("Zed"))
	assertFrames(t, w0,
		map[string]any{"Type": "SetNickNameResult", "Success": false, "Time": 0.0})
	assertNoFrames(t, w1)

	// Claim, then rename: Leave precedes Join, both precede the result.
	w0.send(t, setNick("Alice"))
	w0.ch.take()
	w1.ch.take()
	w0.send(t, setNick("Carol"))
	leaveFrame := map[string]any{"Type": "Leave", "NickName": "Alice", "Time": 0.0}
	joinFrame := map[string]any{"Type": "Join", "NickName": "Carol", "Time": 0.0}
	assertFrames(t, w0, leaveFrame, joinFrame,
		map[string]any{"Type": "SetNickNameResult", "Success": true, "Time": 0.0})
	assertFrames(t, w1, leaveFrame, joinFrame)

	// Renaming to the current nickname is a no-op.
	w0.send(t, setNick("Carol"))
	assertFrames(t, w0,
		map[string]any{"Type": "SetNickNameResult", "Success": true, "Time": 0.0})
	assertNoFrames(t, w1)

	// Clearing releases the name; a second clear broadcasts nothing.
	w0.send(t, setNick(""))
	assertFrames(t, w0,
		map[string]any{"Type": "Leave", "NickName": "Carol", "Time": 0.0},
		map[string]any{"Type": "SetNickNameResult", "Success": true, "Time": 0.0})
	w1.ch.take()
	w0.send(t, setNick(""))
	assertFrames(t, w0,
		map[string]any{"Type": "SetNickNameResult", "Success": true, "Time": 0.0})
	assertNoFrames(t, w1)
}

func TestPoolConservation(t *testing.T) {
	r := New(testConfig(), clock.NewManual(0), nil)
	w0 := join(t, r)
	w1 := join(t, r)

	w0.send(t, setNick("Bob"))
	w1.send(t, setNick("Alice"))
	w0.send(t, setNick("Carol"))

	available := r.AvailableNickNames()
	if len(available) != 1 || available[0] != "Bob" {
		t.Fatalf("available = %v, want [Bob]", available)
	}
	users := r.Users()
	if len(users) != 2 || users[0].Nickname != "Carol" || users[1].Nickname != "Alice" {
		t.Fatalf("users = %v", users)
	}
}

func TestGetUsersOrderAndPoints(t *testing.T) {
	r := New(testConfig(), clock.NewManual(0), nil)
	w0 := join(t, r)
	w1 := join(t, r)
	lurker := join(t, r)

	w0.send(t, setNick("Carol"))
	w1.send(t, setNick("Bob"))
	w0.ch.take()
	w1.ch.take()
	lurker.ch.take()

	// Entries come in session-ID order, lurkers excluded.
	w0.send(t, map[string]any{"Type": "GetUsers"})
	assertFrames(t, w0, map[string]any{
		"Type": "Users",
		"Users": []any{
			map[string]any{"Nickname": "Carol", "Points": 0.0},
			map[string]any{"Nickname": "Bob", "Points": 5.0},
		},
		"Time": 0.0,
	})
	assertNoFrames(t, lurker)
}

func TestGetAvailableNickNamesRepliesToRequesterOnly(t *testing.T) {
	r := New(testConfig(), clock.NewManual(0), nil)
	w0 := join(t, r)
	w1 := join(t, r)

	w0.send(t, setNick("Bob"))
	w0.ch.take()
	w1.ch.take()

	w1.send(t, map[string]any{"Type": "GetAvailableNickNames"})
	assertFrames(t, w1, map[string]any{
		"Type":               "AvailableNickNames",
		"AvailableNickNames": []any{"Alice", "Carol"},
		"Time":               0.0,
	})
	assertNoFrames(t, w0)
}

func TestTellAndScore(t *testing.T) {
	mk := clock.NewManual(0)
	r := New(testConfig(), mk, nil)
	w0 := join(t, r)
	w1 := join(t, r)
	w2 := join(t, r)

	w0.send(t, setNick("Bob"))
	w1.send(t, setNick("Alice"))
	for _, w := range []*testClient{w0, w1, w2} {
		w.ch.take()
	}

	r.SetAnswer("42")
	mk.Set(1.5)
	w0.send(t, tellMsg("42"))
	tellFrame := map[string]any{"Type": "Tell", "Sender": "Bob", "Tell": "42", "Time": 1.5}
	awardFrame := map[string]any{"Type": "Award", "Subject": "Bob", "Award": 1.0, "Points": 6.0, "Time": 1.5}
	assertFrames(t, w0, tellFrame, awardFrame)
	assertFrames(t, w1, tellFrame, awardFrame)
	assertFrames(t, w2, tellFrame, awardFrame)

	// A later correct answer is a plain tell; the round is closed.
	mk.Set(1.6)
	w1.send(t, tellMsg("42"))
	lateTell := map[string]any{"Type": "Tell", "Sender": "Alice", "Tell": "42", "Time": 1.6}
	assertFrames(t, w0, lateTell)
	assertFrames(t, w1, lateTell)
	assertFrames(t, w2, lateTell)
}

func TestPenaltyThenAward(t *testing.T) {
	mk := clock.NewManual(0)
	r := New(testConfig(), mk, nil)
	w0 := join(t, r)
	w1 := join(t, r)

	w0.send(t, setNick("Bob"))
	w1.send(t, setNick("Alice"))
	w0.ch.take()
	w1.ch.take()

	r.SetAnswer("42")
	w0.send(t, tellMsg("41"))
	assertFrames(t, w0,
		map[string]any{"Type": "Tell", "Sender": "Bob", "Tell": "41", "Time": 0.0},
		map[string]any{"Type": "Penalty", "Subject": "Bob", "Penalty": 1.0, "Points": 4.0, "Time": 0.0})
	w1.ch.take()

	mk.Set(1.0)
	w1.send(t, tellMsg("42"))
	assertFrames(t, w1,
		map[string]any{"Type": "Tell", "Sender": "Alice", "Tell": "42", "Time": 1.0},
		map[string]any{"Type": "Award", "Subject": "Alice", "Award": 1.0, "Points": 1.0, "Time": 1.0})
	w0.ch.take()

	mk.Set(1.1)
	w0.send(t, tellMsg("42"))
	assertFrames(t, w0,
		map[string]any{"Type": "Tell", "Sender": "Bob", "Tell": "42", "Time": 1.1})
}

func TestTellCoolDownBoundary(t *testing.T) {
	mk := clock.NewManual(0)
	r := New(testConfig(), mk, nil)
	w0 := join(t, r)

	w0.send(t, setNick("Bob"))
	w0.ch.take()

	w0.send(t, tellMsg("42"))
	if frames := w0.ch.take(); len(frames) != 1 {
		t.Fatalf("first tell: got %d frames, want 1", len(frames))
	}

	// Strictly inside the cool-down: dropped silently.
	mk.Set(0.5)
	w0.send(t, tellMsg("42"))
	assertNoFrames(t, w0)

	// Exactly at the boundary: accepted.
	mk.Set(1.0)
	w0.send(t, tellMsg("42"))
	assertFrames(t, w0,
		map[string]any{"Type": "Tell", "Sender": "Bob", "Tell": "42", "Time": 1.0})
}

func TestTellRejections(t *testing.T) {
	mk := clock.NewManual(0)
	r := New(testConfig(), mk, nil)
	lurker := join(t, r)
	w0 := join(t, r)

	w0.send(t, setNick("Bob"))
	w0.ch.take()
	lurker.ch.take()

	// Lurkers cannot tell, regardless of cool-down.
	lurker.send(t, tellMsg("42"))
	assertNoFrames(t, w0)

	// Empty and non-integer tells are dropped.
	w0.send(t, tellMsg(""))
	w0.send(t, tellMsg("forty-two"))
	w0.send(t, tellMsg("4.2"))
	assertNoFrames(t, w0)

	// A rejected tell does not consume the cool-down.
	w0.send(t, tellMsg("42"))
	assertFrames(t, w0,
		map[string]any{"Type": "Tell", "Sender": "Bob", "Tell": "42", "Time": 0.0})

	// Signed integers are valid tells.
	r.SetAnswer("42")
	mk.Set(1.0)
	w0.send(t, tellMsg("-7"))
	assertFrames(t, w0,
		map[string]any{"Type": "Tell", "Sender": "Bob", "Tell": "-7", "Time": 1.0},
		map[string]any{"Type": "Penalty", "Subject": "Bob", "Penalty": 1.0, "Points": 4.0, "Time": 1.0})
}

func TestMalformedAndUnknownInboundIgnored(t *testing.T) {
	r := New(testConfig(), clock.NewManual(0), nil)
	w0 := join(t, r)

	w0.sendRaw("this is not json")
	w0.sendRaw(`{"Type":"MakeMeASandwich"}`)
	w0.sendRaw(`{"NoType":true}`)
	assertNoFrames(t, w0)
	if got := r.SessionCount(); got != 1 {
		t.Fatalf("session count = %d, want 1", got)
	}
}

func TestAddUserFailureConsumesSessionID(t *testing.T) {
	var (
		mu      sync.Mutex
		senders []string
	)
	sink := func(sender string, _ int, _ string) {
		mu.Lock()
		senders = append(senders, sender)
		mu.Unlock()
	}
	r := New(testConfig(), clock.NewManual(0), sink)

	err := r.AddUser(func(Delegates) (Channel, func(), error) {
		return nil, nil, errors.New("handshake failed")
	})
	if err == nil {
		t.Fatal("expected an error from a failed open")
	}
	if got := r.SessionCount(); got != 0 {
		t.Fatalf("session count after failed open = %d, want 0", got)
	}

	w := join(t, r)
	w.send(t, setNick("Bob"))

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, s := range senders {
		if s == "Session #2" {
			found = true
		}
		if s == "Session #1" {
			t.Fatalf("session id 1 was reused: %v", senders)
		}
	}
	if !found {
		t.Fatalf("expected a diagnostic from Session #2, got %v", senders)
	}
}
