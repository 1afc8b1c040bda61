package trigger

import (
	"strings"
)

// chatFilter decides which chat messages become events. An empty user allow
// list denies everyone unless allowAll is set.
type chatFilter[ID comparable] struct {
	users    map[ID]struct{}
	rooms    map[ID]struct{}
	allowAll bool
	prefix   string
}

func newChatFilter[ID comparable](users, rooms []ID, allowAll bool, prefix string) chatFilter[ID] {
	f := chatFilter[ID]{
		users:    make(map[ID]struct{}, len(users)),
		rooms:    make(map[ID]struct{}, len(rooms)),
		allowAll: allowAll,
		prefix:   prefix,
	}
	for _, u := range users {
		f.users[u] = struct{}{}
	}
	for _, r := range rooms {
		f.rooms[r] = struct{}{}
	}
	return f
}

// allowed reports whether sender may trigger the agent from room.
// A room allow list, when set, applies even with allowAll.
func (f chatFilter[ID]) allowed(sender, room ID) bool {
	if len(f.rooms) > 0 {
		if _, ok := f.rooms[room]; !ok {
			return false
		}
	}
	if f.allowAll {
		return true
	}
	_, ok := f.users[sender]
	return ok
}

// prompt strips the command prefix and reports whether anything is left.
// Without a prefix every non-empty message qualifies.
func (f chatFilter[ID]) prompt(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if f.prefix != "" {
		rest, ok := strings.CutPrefix(text, f.prefix)
		if !ok {
			return "", false
		}
		text = strings.TrimSpace(rest)
	}
	return text, text != ""
}
