package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedAccount(t *testing.T, db *DB, id string) {
	t.Helper()
	if err := db.UpsertAccount(&Account{ID: id, Provider: ProviderIMAP, Email: id + "@example.com"}); err != nil {
		t.Fatal(err)
	}
}

func seedFolder(t *testing.T, db *DB, accountID, folderID string) {
	t.Helper()
	if err := db.UpsertFolder(&Folder{ID: folderID, AccountID: accountID, DisplayName: folderID, Type: FolderRegular}); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; running it again must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + eviction)", result.Version)
	}
}

func TestAccountUpsertAndList(t *testing.T) {
	db := testDB(t)

	seedAccount(t, db, "a1")
	if err := db.UpsertAccount(&Account{ID: "a1", Provider: ProviderIMAP, Email: "a1@example.com", DisplayName: "Work"}); err != nil {
		t.Fatal(err)
	}

	accounts, err := db.ListAccounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("got %d accounts, want 1", len(accounts))
	}
	if accounts[0].DisplayName != "Work" {
		t.Errorf("display name = %q, want Work", accounts[0].DisplayName)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "a1")
	seedFolder(t, db, "a1", "INBOX")

	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "m1", FolderID: "INBOX", ReceivedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertBody(&MessageBody{AccountID: "a1", MessageID: "m1", Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertAttachment(&Attachment{ID: "att1", AccountID: "a1", MessageID: "m1", Filename: "f.pdf"}); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueAction(&PendingAction{AccountID: "a1", Kind: ActionMarkRead, TargetID: "m1", IdempotencyKey: "k1"}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteAccount("a1"); err != nil {
		t.Fatal(err)
	}

	for _, q := range []string{
		"SELECT COUNT(*) FROM folders",
		"SELECT COUNT(*) FROM messages",
		"SELECT COUNT(*) FROM message_bodies",
		"SELECT COUNT(*) FROM attachments",
		"SELECT COUNT(*) FROM pending_actions",
	} {
		var n int
		if err := db.QueryRow(q).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s = %d, want 0 after account delete", q, n)
		}
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "a1")
	seedFolder(t, db, "a1", "INBOX")

	msg := &Message{AccountID: "a1", ID: "m1", FolderID: "INBOX", Subject: "hi", ReceivedAt: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Subject = "hi updated"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("a1", "INBOX", 0, "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Subject != "hi updated" {
		t.Errorf("subject = %q, want hi updated", msgs[0].Subject)
	}
}

// TestUpsertKeepsLocallyOwnedFields verifies "remote wins except for fields
// owned by a pending action": a remote upsert must not overwrite the read
// flag of a row that still has an unsynced local flip.
func TestUpsertKeepsLocallyOwnedFields(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "a1")
	seedFolder(t, db, "a1", "INBOX")

	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "m1", FolderID: "INBOX", ReceivedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	// Local optimistic flip, not yet uploaded.
	if _, err := db.Exec(`UPDATE messages SET is_read = 1, sync_status = 'PENDING_UPLOAD' WHERE id = 'm1'`); err != nil {
		t.Fatal(err)
	}

	// Remote still reports unread.
	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "m1", FolderID: "INBOX", ReceivedAt: 1000, IsRead: false}); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("a1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsRead {
		t.Error("remote upsert overwrote a pending local read flip")
	}
	if m.SyncStatus != StatusPendingUpload {
		t.Errorf("sync status = %s, want PENDING_UPLOAD", m.SyncStatus)
	}
}

func TestReplaceFolderMessagesPreservesPending(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "a1")
	seedFolder(t, db, "a1", "INBOX")

	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "synced", FolderID: "INBOX", ReceivedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "pending", FolderID: "INBOX", ReceivedAt: 2000, SyncStatus: StatusPendingUpload}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "referenced", FolderID: "INBOX", ReceivedAt: 3000}); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueAction(&PendingAction{AccountID: "a1", Kind: ActionMarkRead, TargetID: "referenced", IdempotencyKey: "k1"}); err != nil {
		t.Fatal(err)
	}

	// Refresh brings only one new message.
	err := db.ReplaceFolderMessages("a1", "INBOX", []*Message{
		{AccountID: "a1", ID: "fresh", FolderID: "INBOX", ReceivedAt: 4000},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("a1", "INBOX", 0, "", 100)
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]bool)
	for _, m := range msgs {
		got[m.ID] = true
	}
	if got["synced"] {
		t.Error("synced row should be cleared by refresh")
	}
	for _, id := range []string{"fresh", "pending", "referenced"} {
		if !got[id] {
			t.Errorf("row %q missing after refresh", id)
		}
	}
}

func TestReplaceFolders(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "a1")
	seedFolder(t, db, "a1", "Old")

	err := db.ReplaceFolders("a1", []*Folder{
		{ID: "INBOX", AccountID: "a1", DisplayName: "Inbox", Type: FolderInbox},
		{ID: "Sent", AccountID: "a1", DisplayName: "Sent", Type: FolderSent},
	})
	if err != nil {
		t.Fatal(err)
	}

	folders, err := db.ListFolders("a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != 2 {
		t.Fatalf("got %d folders, want 2", len(folders))
	}
	for _, f := range folders {
		if f.ID == "Old" {
			t.Error("removed folder survived ReplaceFolders")
		}
	}
}

// A folder the remote no longer lists must survive the replace while it
// still holds unsynced or outbox rows; deleting it would cascade away data
// the remote has never seen.
func TestReplaceFoldersKeepsFoldersWithUnsyncedRows(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "a1")
	seedFolder(t, db, "a1", "OUTBOX")
	seedFolder(t, db, "a1", "Drafts")
	seedFolder(t, db, "a1", "Old")

	if err := db.UpsertMessage(&Message{
		AccountID: "a1", ID: "out-1", FolderID: "OUTBOX",
		ReceivedAt: 1000, IsOutbox: true, SyncStatus: StatusPendingUpload,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{
		AccountID: "a1", ID: "draft-1", FolderID: "Drafts",
		ReceivedAt: 1001, SyncStatus: StatusPendingUpload,
	}); err != nil {
		t.Fatal(err)
	}

	err := db.ReplaceFolders("a1", []*Folder{
		{ID: "INBOX", AccountID: "a1", DisplayName: "Inbox", Type: FolderInbox},
	})
	if err != nil {
		t.Fatal(err)
	}

	folders, err := db.ListFolders("a1")
	if err != nil {
		t.Fatal(err)
	}
	ids := make(map[string]bool, len(folders))
	for _, f := range folders {
		ids[f.ID] = true
	}
	if !ids["OUTBOX"] || !ids["Drafts"] {
		t.Errorf("folders after replace = %v, want OUTBOX and Drafts kept", ids)
	}
	if ids["Old"] {
		t.Error("empty removed folder survived ReplaceFolders")
	}

	for _, id := range []string{"out-1", "draft-1"} {
		m, err := db.GetMessage("a1", id)
		if err != nil {
			t.Fatal(err)
		}
		if m == nil {
			t.Errorf("unsynced message %s lost to folder replace", id)
		}
	}
}

func TestActionQueueOrderAndDueGating(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "a1")

	for i, key := range []string{"k1", "k2", "k3"} {
		if err := db.EnqueueAction(&PendingAction{
			AccountID: "a1", Kind: ActionMarkRead, TargetID: "m" + key, IdempotencyKey: key,
		}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	// Duplicate enqueue is a no-op.
	if err := db.EnqueueAction(&PendingAction{AccountID: "a1", Kind: ActionMarkRead, TargetID: "mk1", IdempotencyKey: "k1"}); err != nil {
		t.Fatal(err)
	}

	actions, err := db.PendingActions("a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 3 {
		t.Fatalf("got %d actions, want 3", len(actions))
	}
	for i, want := range []string{"k1", "k2", "k3"} {
		if actions[i].IdempotencyKey != want {
			t.Errorf("action %d key = %q, want %q (enqueue order)", i, actions[i].IdempotencyKey, want)
		}
	}

	now := time.Now().UnixMilli()
	head, err := db.NextAction("a1", now)
	if err != nil {
		t.Fatal(err)
	}
	if head == nil || head.IdempotencyKey != "k1" {
		t.Fatalf("head = %+v, want k1", head)
	}

	// A not-yet-due head blocks the whole queue; later actions must not overtake.
	if err := db.MarkActionRetry(head.ID, now+60_000, "transient"); err != nil {
		t.Fatal(err)
	}
	next, err := db.NextAction("a1", now)
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Errorf("NextAction = %+v, want nil while head is backing off", next)
	}
}

func TestEvictionSafety(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "a1")
	seedFolder(t, db, "a1", "INBOX")

	old := time.Now().AddDate(0, 0, -120).UnixMilli()

	// Old and cold: eligible.
	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "cold", FolderID: "INBOX", ReceivedAt: old}); err != nil {
		t.Fatal(err)
	}
	// Old but pending upload: protected.
	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "unsynced", FolderID: "INBOX", ReceivedAt: old, SyncStatus: StatusPendingUpload}); err != nil {
		t.Fatal(err)
	}
	// Old but referenced by a pending action: protected.
	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "referenced", FolderID: "INBOX", ReceivedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueAction(&PendingAction{AccountID: "a1", Kind: ActionMove, TargetID: "referenced", IdempotencyKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	// Old but recently read: protected.
	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "warm", FolderID: "INBOX", ReceivedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchMessage("a1", "warm"); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	ageCutoff := now.AddDate(0, 0, -90).UnixMilli()
	accessCutoff := now.Add(-24 * time.Hour).UnixMilli()

	res, err := db.Evict(ageCutoff, accessCutoff)
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 1 {
		t.Errorf("evicted %d messages, want 1", res.Messages)
	}

	for _, id := range []string{"unsynced", "referenced", "warm"} {
		m, err := db.GetMessage("a1", id)
		if err != nil {
			t.Fatal(err)
		}
		if m == nil {
			t.Errorf("protected message %q was evicted", id)
		}
	}
	if m, _ := db.GetMessage("a1", "cold"); m != nil {
		t.Error("eligible message survived eviction")
	}

	// Idempotent: a second pass with no new eligible data removes nothing.
	res, err = db.Evict(ageCutoff, accessCutoff)
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 0 || res.Bodies != 0 || res.Attachments != 0 {
		t.Errorf("second eviction pass removed %+v, want all zero", res)
	}

	ranAt, err := db.LastEvictionRun()
	if err != nil {
		t.Fatal(err)
	}
	if ranAt == 0 {
		t.Error("eviction run not recorded")
	}
}

func TestBodyUpsertAndGet(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "a1")
	seedFolder(t, db, "a1", "INBOX")
	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "m1", FolderID: "INBOX", ReceivedAt: 1000}); err != nil {
		t.Fatal(err)
	}

	if err := db.UpsertBody(&MessageBody{AccountID: "a1", MessageID: "m1", Content: "hello", ContentType: "text/plain"}); err != nil {
		t.Fatal(err)
	}
	b, err := db.GetBody("a1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.Content != "hello" {
		t.Errorf("body = %+v, want hello", b)
	}
	if b.FetchedAt == 0 {
		t.Error("fetched_at not stamped")
	}

	// Never fetched.
	b, err = db.GetBody("a1", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Error("expected nil body for unfetched message")
	}
}

func TestSetReadTxMaintainsUnreadCount(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "a1")
	if err := db.UpsertFolder(&Folder{ID: "INBOX", AccountID: "a1", DisplayName: "INBOX", Type: FolderInbox, UnreadCount: 2}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{AccountID: "a1", ID: "m1", FolderID: "INBOX", ReceivedAt: 1000}); err != nil {
		t.Fatal(err)
	}

	setRead := func(read bool) {
		t.Helper()
		tx, err := db.Begin()
		if err != nil {
			t.Fatal(err)
		}
		if err := SetReadTx(tx, "a1", "m1", read); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	unread := func() int {
		t.Helper()
		f, err := db.GetFolder("a1", "INBOX")
		if err != nil {
			t.Fatal(err)
		}
		return f.UnreadCount
	}

	setRead(true)
	if got := unread(); got != 1 {
		t.Errorf("unread after read = %d, want 1", got)
	}

	// Marking an already-read message again must not double-count.
	setRead(true)
	if got := unread(); got != 1 {
		t.Errorf("unread after repeated read = %d, want 1", got)
	}

	setRead(false)
	if got := unread(); got != 2 {
		t.Errorf("unread after unread = %d, want 2", got)
	}
}
