package imap

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/provider"
	"github.com/lfarias/mailkeep/internal/store"
)

func TestRemoteIDRoundTrip(t *testing.T) {
	id := joinRemoteID("INBOX/Sub:folder", 42)
	folder, uid, err := splitRemoteID(id)
	if err != nil {
		t.Fatalf("splitRemoteID: %v", err)
	}
	if folder != "INBOX/Sub:folder" || uid != 42 {
		t.Fatalf("got folder=%q uid=%d", folder, uid)
	}

	if _, _, err := splitRemoteID("no-separator"); err == nil {
		t.Fatal("expected error for malformed id")
	}
	if _, _, err := splitRemoteID("INBOX:notanumber"); err == nil {
		t.Fatal("expected error for non-numeric uid")
	}
}

func TestBuildAndParseMessage(t *testing.T) {
	a := New(nil, zap.NewNop())
	raw, err := a.buildMessage(&provider.SendPayload{
		From:    "alice@example.com",
		To:      []string{"bob@example.com"},
		Cc:      []string{"carol@example.com"},
		Subject: "hello",
		Body:    "body text",
	}, "key-1@mailkeep")
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}

	text, html, names := parseMIMEBody(raw)
	if !strings.Contains(text, "body text") {
		t.Fatalf("text body = %q", text)
	}
	if html != "" {
		t.Fatalf("unexpected html body %q", html)
	}
	if len(names) != 0 {
		t.Fatalf("unexpected attachments %v", names)
	}
	if !strings.Contains(string(raw), "key-1@mailkeep") {
		t.Fatal("message id not present in headers")
	}
}

func TestBuildMessageWithUploadedAttachment(t *testing.T) {
	a := New(nil, zap.NewNop())
	ctx := context.Background()

	up, err := a.CreateUploadSession(ctx, nil, &store.Attachment{ID: "att-1"})
	if err != nil {
		t.Fatalf("CreateUploadSession: %v", err)
	}
	if err := a.UploadChunk(ctx, nil, up, 0, []byte("chunk-one ")); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if err := a.UploadChunk(ctx, nil, up, 10, []byte("chunk-two")); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if err := a.UploadChunk(ctx, nil, up, 3, []byte("bad offset")); err == nil {
		t.Fatal("expected offset mismatch error")
	}
	uploadID, err := a.FinishUploadSession(ctx, nil, up)
	if err != nil {
		t.Fatalf("FinishUploadSession: %v", err)
	}

	raw, err := a.buildMessage(&provider.SendPayload{
		From:    "alice@example.com",
		To:      []string{"bob@example.com"},
		Subject: "with attachment",
		Body:    "see attached",
		Attachments: []provider.AttachmentRef{{
			ID:       "att-1",
			Filename: "notes.txt",
			MimeType: "text/plain",
			UploadID: uploadID,
		}},
	}, "key-2@mailkeep")
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}

	_, _, names := parseMIMEBody(raw)
	if len(names) != 1 || names[0] != "notes.txt" {
		t.Fatalf("attachment names = %v", names)
	}

	// The buffer is consumed on use.
	if _, ok := a.takeUpload(uploadID); ok {
		t.Fatal("upload buffer should be gone after use")
	}
}

func TestParseMIMEBodyFallsBackToPlainText(t *testing.T) {
	text, html, names := parseMIMEBody([]byte("not a mime message at all"))
	if text == "" || html != "" || names != nil {
		t.Fatalf("got text=%q html=%q names=%v", text, html, names)
	}
}
