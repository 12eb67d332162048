package chat

import "testing"

func TestTypingUpsertAndRemove(t *testing.T) {
	ts := newTypingSet()

	ts.upsert("u1", RoleUser, true)
	ts.upsert("u2", RoleAdmin, true)
	if got := len(ts.list()); got != 2 {
		t.Fatalf("got %d typers, want 2", got)
	}

	// Renewal is not a duplicate.
	ts.upsert("u1", RoleUser, true)
	if got := len(ts.list()); got != 2 {
		t.Errorf("got %d typers after renewal, want 2", got)
	}

	ts.upsert("u1", RoleUser, false)
	list := ts.list()
	if len(list) != 1 || list[0].SenderID != "u2" {
		t.Errorf("list = %+v, want only u2", list)
	}
}

func TestTypingListSorted(t *testing.T) {
	ts := newTypingSet()
	ts.upsert("zed", RoleUser, true)
	ts.upsert("amy", RoleAdmin, true)

	list := ts.list()
	if list[0].SenderID != "amy" || list[1].SenderID != "zed" {
		t.Errorf("list = %+v, want sorted by sender id", list)
	}
}

func TestTypingIgnoresEmptySender(t *testing.T) {
	ts := newTypingSet()
	ts.upsert("", RoleUser, true)
	if got := len(ts.list()); got != 0 {
		t.Errorf("got %d typers, want 0", got)
	}
}
