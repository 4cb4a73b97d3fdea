package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestMirror(t *testing.T) (*Mirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewMirror(client), mr
}

func TestMirrorPublishStoresSnapshot(t *testing.T) {
	m, mr := newTestMirror(t)

	m.Publish([]Info{
		{ID: "u1", Name: "Alice", Online: true, LastSeen: time.Now()},
		{ID: "u2", Name: "Bob", Online: false, LastSeen: time.Now()},
	})

	stored, err := mr.Get(mirrorKey)
	if err != nil {
		t.Fatalf("expected snapshot key to be set: %v", err)
	}

	var users []Info
	if err := json.Unmarshal([]byte(stored), &users); err != nil {
		t.Fatalf("failed to decode stored snapshot: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].ID != "u1" || users[1].ID != "u2" {
		t.Errorf("expected ids [u1, u2], got [%s, %s]", users[0].ID, users[1].ID)
	}
}

func TestMirrorPublishOverwrites(t *testing.T) {
	m, mr := newTestMirror(t)

	m.Publish([]Info{{ID: "u1", Online: true}})
	m.Publish([]Info{})

	stored, err := mr.Get(mirrorKey)
	if err != nil {
		t.Fatalf("expected snapshot key to be set: %v", err)
	}
	if stored != "[]" {
		t.Errorf("expected empty snapshot, got %q", stored)
	}
}
