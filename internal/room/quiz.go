package room

import (
	"fmt"
	"strconv"
	"time"

	"parlor/server/internal/protocol"
)

// worker runs the reaper and the quiz scheduler. It wakes at most every
// workerPollingPeriod, or immediately when a channel close is reported.
func (r *Room) worker() {
	defer close(r.done)

	ticker := time.NewTicker(workerPollingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-r.wake:
		case <-ticker.C:
		}
		r.reapClosed()
		r.maybeAskQuestion()
	}
}

// reapClosed removes sessions whose channels reported close. A session
// that held a nickname releases it back to the pool and produces a Leave
// broadcast; lurkers vanish silently. Broadcasts go to snapshots and the
// removed channels are torn down only after the lock is released, because
// Close may block on transport internals.
func (r *Room) reapClosed() {
	r.mu.Lock()
	if !r.usersHaveClosed {
		r.mu.Unlock()
		return
	}

	type leaveEvent struct {
		nickname string
		targets  []Channel
	}
	var (
		staged []*session
		leaves []leaveEvent
	)
	for id, s := range r.sessions {
		if s.open {
			continue
		}
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		delete(r.sessions, id)
		staged = append(staged, s)
		if s.nickname != "" {
			r.available[s.nickname] = struct{}{}
			leaves = append(leaves, leaveEvent{
				nickname: s.nickname,
				targets:  r.snapshotChannelsLocked(),
			})
		}
	}
	r.usersHaveClosed = false
	r.mu.Unlock()

	for _, ev := range leaves {
		r.broadcast(ev.targets, protocol.New(protocol.TypeLeave).Set("NickName", ev.nickname))
	}
	for _, s := range staged {
		s.ch.Close(goingAwayCode, "")
	}
}

// maybeAskQuestion publishes a new quiz question once the cooldown has
// elapsed. The question goes out as a Tell from the quiz bot, broadcast
// from a snapshot outside the lock.
func (r *Room) maybeAskQuestion() {
	r.mu.Lock()
	if r.tk.Now() < r.nextQuestionTime {
		r.mu.Unlock()
		return
	}

	lastAnswer := r.answer
	for {
		a := 2 + r.rng.Intn(9)
		b := 2 + r.rng.Intn(9)
		c := 2 + r.rng.Intn(96)
		r.questionComponents = [3]int{a, b, c}
		r.question = fmt.Sprintf("What is %d * %d + %d?", a, b, c)
		r.answer = strconv.Itoa(a*b + c)
		if r.answer != lastAnswer {
			break
		}
	}
	r.answeredCorrectly = false
	r.cooldownNextQuestionLocked()
	r.questions.Add(1)
	r.notifyQuestionChangedLocked()
	question := r.question
	targets := r.snapshotChannelsLocked()
	r.mu.Unlock()

	r.broadcast(targets, protocol.New(protocol.TypeTell).
		Set("Sender", protocol.QuizBotName).
		Set("Tell", question))
}

func (r *Room) cooldownNextQuestionLocked() {
	r.nextQuestionTime += r.minCooldown + r.rng.Float64()*(r.maxCooldown-r.minCooldown)
}

func (r *Room) notifyQuestionChangedLocked() {
	close(r.questionChanged)
	r.questionChanged = make(chan struct{})
}

// Question returns the current quiz question text. Test back door.
func (r *Room) Question() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.question
}

// Answer returns the answer to the current quiz question. Test back door.
func (r *Room) Answer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answer
}

// QuestionComponents returns the (a, b, c) factors of the current
// question. Test back door.
func (r *Room) QuestionComponents() [3]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.questionComponents
}

// SetAnswer overrides the current answer and opens the round. Test back
// door.
func (r *Room) SetAnswer(answer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answer = answer
	r.answeredCorrectly = false
	r.notifyQuestionChangedLocked()
}

// SetAnsweredCorrectly closes the current round without an award. Test
// back door.
func (r *Room) SetAnsweredCorrectly() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answeredCorrectly = true
}

// AwaitNextQuestion blocks until a round is open or the timeout elapses,
// reporting whether a question is pending. Test back door.
func (r *Room) AwaitNextQuestion(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		if !r.answeredCorrectly {
			r.mu.Unlock()
			return true
		}
		changed := r.questionChanged
		r.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}
