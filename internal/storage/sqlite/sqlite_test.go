package sqlite

import (
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetMessages(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := db.SaveMessage("alice@example.com", Message{
			ID:         "m" + string(rune('1'+i)),
			Room:       "room@conference.example.com",
			Body:       "hello",
			SenderID:   "bob@example.com",
			SenderNick: "bob",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	msgs, err := db.GetMessages("alice@example.com", "room@conference.example.com", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// Oldest first after the reverse.
	if msgs[0].ID != "m1" || msgs[2].ID != "m3" {
		t.Fatalf("unexpected order: %s .. %s", msgs[0].ID, msgs[2].ID)
	}
	if msgs[0].SenderNick != "bob" {
		t.Fatalf("sender nick = %q", msgs[0].SenderNick)
	}
}

func TestSaveMessageIsIdempotent(t *testing.T) {
	db := newTestDB(t)

	msg := Message{ID: "m1", Room: "r@c.example.com", Body: "first", CreatedAt: time.Now()}
	if err := db.SaveMessage("alice@example.com", msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	msg.Body = "second"
	if err := db.SaveMessage("alice@example.com", msg); err != nil {
		t.Fatalf("SaveMessage again: %v", err)
	}

	msgs, err := db.GetMessages("alice@example.com", "r@c.example.com", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "first" {
		t.Fatalf("duplicate insert changed the row: %+v", msgs)
	}
}

func TestMarkMessageDeleted(t *testing.T) {
	db := newTestDB(t)

	if err := db.SaveMessage("a@x.com", Message{ID: "m1", Room: "r@c.x.com", Body: "b", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := db.MarkMessageDeleted("a@x.com", "r@c.x.com", "m1"); err != nil {
		t.Fatalf("MarkMessageDeleted: %v", err)
	}

	msgs, err := db.GetMessages("a@x.com", "r@c.x.com", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Deleted {
		t.Fatalf("tombstone not recorded: %+v", msgs)
	}
}

func TestRoomsRoundTrip(t *testing.T) {
	db := newTestDB(t)

	in := []Room{
		{Room: "b@c.example.com", Name: "Beta", UsersCnt: 2},
		{Room: "a@c.example.com", Name: "Alpha", UsersCnt: 5},
	}
	if err := db.SaveRooms("alice@example.com", in); err != nil {
		t.Fatalf("SaveRooms: %v", err)
	}

	out, err := db.GetRooms("alice@example.com")
	if err != nil {
		t.Fatalf("GetRooms: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d rooms, want 2", len(out))
	}
	if out[0].Name != "Alpha" || out[1].Name != "Beta" {
		t.Fatalf("rooms not sorted by name: %+v", out)
	}

	// SaveRooms replaces the whole set.
	if err := db.SaveRooms("alice@example.com", in[:1]); err != nil {
		t.Fatalf("SaveRooms replace: %v", err)
	}
	out, err = db.GetRooms("alice@example.com")
	if err != nil {
		t.Fatalf("GetRooms: %v", err)
	}
	if len(out) != 1 || out[0].Room != "b@c.example.com" {
		t.Fatalf("replace kept stale rows: %+v", out)
	}
}

func TestReadMarkerAndUnread(t *testing.T) {
	db := newTestDB(t)

	account := "alice@example.com"
	room := "room@conference.example.com"

	if _, ok, err := db.GetLastViewed(account, room); err != nil || ok {
		t.Fatalf("fresh marker: ok=%v err=%v", ok, err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		err := db.SaveMessage(account, Message{
			ID:        "m" + string(rune('1'+i)),
			Room:      room,
			Body:      "b",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	// Marker between m2 and m3 leaves two unread.
	if err := db.SetLastViewed(account, room, base.Add(90*time.Second)); err != nil {
		t.Fatalf("SetLastViewed: %v", err)
	}

	at, ok, err := db.GetLastViewed(account, room)
	if err != nil || !ok {
		t.Fatalf("GetLastViewed: ok=%v err=%v", ok, err)
	}
	if !at.Equal(base.Add(90 * time.Second)) {
		t.Fatalf("marker = %v", at)
	}

	n, err := db.UnreadCount(account, room)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}
}

func TestArchiveSyncRoundTrip(t *testing.T) {
	db := newTestDB(t)

	if got, err := db.GetArchiveSync("a@x.com", "r@c.x.com"); err != nil || got != nil {
		t.Fatalf("fresh sync: %+v err=%v", got, err)
	}

	err := db.SaveArchiveSync(ArchiveSync{
		Account:        "a@x.com",
		Room:           "r@c.x.com",
		FirstArchiveID: "arch-17",
		Complete:       true,
	})
	if err != nil {
		t.Fatalf("SaveArchiveSync: %v", err)
	}

	got, err := db.GetArchiveSync("a@x.com", "r@c.x.com")
	if err != nil {
		t.Fatalf("GetArchiveSync: %v", err)
	}
	if got == nil || got.FirstArchiveID != "arch-17" || !got.Complete {
		t.Fatalf("sync = %+v", got)
	}
}

func TestDeleteOldMessages(t *testing.T) {
	db := newTestDB(t)

	old := Message{ID: "old", Room: "r@c.x.com", Body: "b", CreatedAt: time.Now().AddDate(0, 0, -30)}
	fresh := Message{ID: "new", Room: "r@c.x.com", Body: "b", CreatedAt: time.Now()}
	for _, m := range []Message{old, fresh} {
		if err := db.SaveMessage("a@x.com", m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	n, err := db.DeleteOldMessages(7)
	if err != nil {
		t.Fatalf("DeleteOldMessages: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}

	count, err := db.GetMessageCount()
	if err != nil {
		t.Fatalf("GetMessageCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestAppState(t *testing.T) {
	db := newTestDB(t)

	if v, err := db.GetAppState("missing"); err != nil || v != "" {
		t.Fatalf("missing key: %q err=%v", v, err)
	}
	if err := db.SetAppState("last_account", "alice@example.com"); err != nil {
		t.Fatalf("SetAppState: %v", err)
	}
	if v, err := db.GetAppState("last_account"); err != nil || v != "alice@example.com" {
		t.Fatalf("GetAppState: %q err=%v", v, err)
	}
	if err := db.DeleteAppState("last_account"); err != nil {
		t.Fatalf("DeleteAppState: %v", err)
	}
	if v, err := db.GetAppState("last_account"); err != nil || v != "" {
		t.Fatalf("after delete: %q err=%v", v, err)
	}
}
