package echochat

import (
	"sort"
	"time"
)

// DefaultDedupWindow bounds how far apart a remote message and an
// unconfirmed known message with the same content may be and still be the
// same message.
const DefaultDedupWindow = 2 * time.Minute

// mergeRemote returns the messages of incoming that are not already in known,
// in incoming order.
//
// An incoming message is known when its id equals the ID or RemoteID of a
// known message. With byContent it is also known when a known message without
// a RemoteID, not yet matched, has the same content, the same sender side and
// a CreatedAt within window; this is how a server copy of an optimistic message
// whose send never confirmed is recognized, since the local id is never
// reconciled. A known message matches at most one incoming message. An
// incoming message without a timestamp matches on content and sender side
// alone.
func mergeRemote(known, incoming []Message, window time.Duration, byContent bool) []Message {
	ids := make(map[string]int, 2*len(known))
	for i, m := range known {
		if m.ID != "" {
			ids[m.ID] = i
		}
		if m.RemoteID != "" {
			ids[m.RemoteID] = i
		}
	}

	matched := make([]bool, len(known))
	pending := make([]int, 0, len(incoming))
	for i, in := range incoming {
		if k, ok := lookupID(ids, in); ok {
			matched[k] = true
			continue
		}
		pending = append(pending, i)
	}

	var fresh []Message
	seen := make(map[string]bool)
	for _, i := range pending {
		in := incoming[i]
		if in.ID != "" && seen[in.ID] {
			continue
		}
		if byContent {
			if k := findEcho(known, matched, in, window); k >= 0 {
				matched[k] = true
				continue
			}
		}
		if in.ID != "" {
			seen[in.ID] = true
		}
		fresh = append(fresh, in)
	}
	return fresh
}

func lookupID(ids map[string]int, m Message) (int, bool) {
	for _, id := range []string{m.RemoteID, m.ID} {
		if id == "" {
			continue
		}
		if k, ok := ids[id]; ok {
			return k, true
		}
	}
	return 0, false
}

func findEcho(known []Message, matched []bool, in Message, window time.Duration) int {
	for k, m := range known {
		if matched[k] || m.RemoteID != "" || m.Content != in.Content || m.SenderIsLocalUser != in.SenderIsLocalUser {
			continue
		}
		if in.CreatedAt.IsZero() || absDuration(m.CreatedAt.Sub(in.CreatedAt)) <= window {
			return k
		}
	}
	return -1
}

// insertSorted places m after every message with CreatedAt not after its own.
func insertSorted(thread []Message, m Message) []Message {
	i := sort.Search(len(thread), func(i int) bool { return thread[i].CreatedAt.After(m.CreatedAt) })
	thread = append(thread, Message{})
	copy(thread[i+1:], thread[i:])
	thread[i] = m
	return thread
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
