package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Nearby/internal/domain"
)

func attachViewer(h *FeedHub, id domain.UserID, graph ...domain.UserID) *feedConn {
	fc := &feedConn{send: make(chan []byte, 4)}
	info := viewerInfo{id: id, graph: make(map[domain.UserID]struct{})}
	for _, g := range graph {
		info.graph[g] = struct{}{}
	}
	h.mu.Lock()
	h.conns[fc] = info
	h.mu.Unlock()
	return fc
}

func received(c *feedConn) bool {
	select {
	case <-c.send:
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func TestPublishDeliversOnlyToFollowers(t *testing.T) {
	h := NewFeedHub()
	follower := attachViewer(h, "friend", "alice")
	stranger := attachViewer(h, "stranger", "bob")
	empty := attachViewer(h, "nobody")

	h.Publish(&domain.ActivityEntry{ID: "a1", Actor: "alice"})

	assert.True(t, received(follower), "follower of the actor gets the entry")
	assert.False(t, received(stranger), "viewer following someone else does not")
	assert.False(t, received(empty), "viewer with no declared graph does not")
}

func TestPublishSkipsTheActorsOwnFeed(t *testing.T) {
	h := NewFeedHub()
	self := attachViewer(h, "alice", "alice")

	h.Publish(&domain.ActivityEntry{ID: "a1", Actor: "alice"})
	assert.False(t, received(self))
}

func TestParseGraph(t *testing.T) {
	g := parseGraph("alice, bob,,carol")
	require.Len(t, g, 3)
	_, ok := g["bob"]
	assert.True(t, ok)

	assert.Empty(t, parseGraph(""))
}
