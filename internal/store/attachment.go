package store

// UpsertAttachment inserts or updates an attachment reference.
func (db *DB) UpsertAttachment(a *Attachment) error {
	_, err := db.Exec(`
		INSERT INTO attachments (id, account_id, message_id, filename, mime_type, size_bytes, local_path, remote_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			mime_type = excluded.mime_type,
			size_bytes = excluded.size_bytes,
			local_path = excluded.local_path,
			remote_id = excluded.remote_id`,
		a.ID, a.AccountID, a.MessageID, a.Filename, a.MimeType, a.SizeBytes, a.LocalPath, a.RemoteID)
	return err
}

// ListAttachments returns the attachments of a message.
func (db *DB) ListAttachments(accountID, messageID string) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT id, account_id, message_id, filename, mime_type, size_bytes, local_path, remote_id
		FROM attachments WHERE account_id = ? AND message_id = ? ORDER BY id`, accountID, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.AccountID, &a.MessageID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.LocalPath, &a.RemoteID); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// SetAttachmentRemoteID records the server-assigned id after a successful upload.
func (db *DB) SetAttachmentRemoteID(id, remoteID string) error {
	_, err := db.Exec(`UPDATE attachments SET remote_id = ? WHERE id = ?`, remoteID, id)
	return err
}

// DeleteAttachment removes an attachment reference.
func (db *DB) DeleteAttachment(id string) error {
	_, err := db.Exec(`DELETE FROM attachments WHERE id = ?`, id)
	return err
}
