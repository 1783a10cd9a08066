package room

import (
	"fmt"
	"sort"
	"strconv"

	"parlor/server/internal/diag"
	"parlor/server/internal/protocol"
)

// setNickName binds, rebinds, or releases a session's nickname. Only names
// still in the available pool can be claimed; claiming resets the score to
// the configured starting points. Membership broadcasts go out before the
// caller sees its SetNickNameResult.
func (r *Room) setNickName(s *session, in protocol.Inbound) {
	oldNickname := s.nickname
	newNickname := in.NickName
	result := protocol.New(protocol.TypeSetNickNameResult)

	switch {
	case newNickname == "":
		s.nickname = ""
		result.Set("Success", true)
		if oldNickname != "" {
			r.diag(s.senderName, diag.LevelVerbose, fmt.Sprintf(
				"Nickname changed from '%s' to '%s'", oldNickname, newNickname))
			r.available[oldNickname] = struct{}{}
			r.sendToAllLocked(protocol.New(protocol.TypeLeave).Set("NickName", oldNickname))
		}

	case newNickname == oldNickname:
		result.Set("Success", true)

	default:
		if _, ok := r.available[newNickname]; !ok {
			result.Set("Success", false)
			break
		}
		delete(r.available, newNickname)
		s.nickname = newNickname
		s.points = r.initialPoints[newNickname]
		if oldNickname != "" {
			r.available[oldNickname] = struct{}{}
			r.sendToAllLocked(protocol.New(protocol.TypeLeave).Set("NickName", oldNickname))
		}
		r.sendToAllLocked(protocol.New(protocol.TypeJoin).Set("NickName", newNickname))
		result.Set("Success", true)
		r.diag(s.senderName, diag.LevelVerbose, fmt.Sprintf(
			"Nickname changed from '%s' to '%s'", oldNickname, newNickname))
	}

	r.sendToUser(s, result)
}

// getNickNames replies to the requester with the sorted set of nicknames
// currently bound to sessions.
func (r *Room) getNickNames(s *session) {
	seen := make(map[string]struct{})
	for _, u := range r.sessions {
		if u.nickname != "" {
			seen[u.nickname] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	r.sendToUser(s, protocol.New(protocol.TypeNickNames).Set("NickNames", names))
}

// getAvailableNickNames replies to the requester only.
func (r *Room) getAvailableNickNames(s *session) {
	r.sendToUser(s, protocol.New(protocol.TypeAvailableNickNames).
		Set("AvailableNickNames", r.availableLocked()))
}

// getUsers replies with one {Nickname, Points} entry per non-lurker
// session, in session-ID ascending order.
func (r *Room) getUsers(s *session) {
	r.sendToUser(s, protocol.New(protocol.TypeUsers).Set("Users", r.usersLocked()))
}

// tell broadcasts an utterance and adjudicates the open quiz round.
// Lurkers, empty tells, and non-integer tells are dropped silently; those
// checks run before the cool-down limiter so an invalid tell never
// consumes the token. Only the first correct answer closes the round.
func (r *Room) tell(s *session, in protocol.Inbound) {
	if s.nickname == "" {
		return
	}
	if in.Tell == "" {
		return
	}
	if _, err := strconv.ParseInt(in.Tell, 10, 64); err != nil {
		return
	}
	if !s.limiter.AllowN(timeAt(r.tk.Now()), 1) {
		return
	}

	r.tells.Add(1)
	r.sendToAllLocked(protocol.New(protocol.TypeTell).
		Set("Sender", s.nickname).
		Set("Tell", in.Tell))

	if r.answeredCorrectly {
		return
	}
	if in.Tell == r.answer {
		r.answeredCorrectly = true
		s.points++
		r.awards.Add(1)
		r.sendToAllLocked(protocol.New(protocol.TypeAward).
			Set("Subject", s.nickname).
			Set("Award", 1).
			Set("Points", s.points))
	} else {
		s.points--
		r.penalties.Add(1)
		r.sendToAllLocked(protocol.New(protocol.TypePenalty).
			Set("Subject", s.nickname).
			Set("Penalty", 1).
			Set("Points", s.points))
	}
}
