package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	db *sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "parley.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			room TEXT NOT NULL,
			body TEXT NOT NULL,
			sender_id TEXT,
			sender_nick TEXT,
			sender_name TEXT,
			avatar_url TEXT,
			is_system INTEGER DEFAULT 0,
			is_reply INTEGER DEFAULT 0,
			parent_id TEXT,
			file_name TEXT,
			mime_type TEXT,
			file_size INTEGER,
			archive_id TEXT,
			created_at INTEGER NOT NULL,
			deleted INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(account, room)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_archive_id ON messages(archive_id)`,

		`CREATE TABLE IF NOT EXISTS rooms (
			account TEXT NOT NULL,
			room TEXT NOT NULL,
			name TEXT,
			users_cnt INTEGER DEFAULT 0,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (account, room)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_account ON rooms(account)`,

		`CREATE TABLE IF NOT EXISTS read_markers (
			account TEXT NOT NULL,
			room TEXT NOT NULL,
			last_viewed INTEGER NOT NULL,
			PRIMARY KEY (account, room)
		)`,

		`CREATE TABLE IF NOT EXISTS archive_sync (
			account TEXT NOT NULL,
			room TEXT NOT NULL,
			first_archive_id TEXT,
			complete INTEGER DEFAULT 0,
			last_synced INTEGER NOT NULL,
			PRIMARY KEY (account, room)
		)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

type Message struct {
	ID         string
	Room       string
	Body       string
	SenderID   string
	SenderNick string
	SenderName string
	AvatarURL  string
	IsSystem   bool
	IsReply    bool
	ParentID   string
	FileName   string
	MimeType   string
	FileSize   int64
	ArchiveID  string
	CreatedAt  time.Time
	Deleted    bool
}

func (d *DB) SaveMessage(account string, msg Message) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages
			(id, account, room, body, sender_id, sender_nick, sender_name, avatar_url,
			 is_system, is_reply, parent_id, file_name, mime_type, file_size, archive_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, account, msg.Room, msg.Body, msg.SenderID, msg.SenderNick, msg.SenderName,
		msg.AvatarURL, msg.IsSystem, msg.IsReply, msg.ParentID, msg.FileName, msg.MimeType,
		msg.FileSize, msg.ArchiveID, msg.CreatedAt.Unix())
	return err
}

func (d *DB) GetMessages(account, room string, limit, offset int) ([]Message, error) {
	rows, err := d.db.Query(`
		SELECT id, room, body, sender_id, sender_nick, sender_name, avatar_url,
		       is_system, is_reply, parent_id, file_name, mime_type, file_size,
		       archive_id, created_at, deleted
		FROM messages
		WHERE account = ? AND room = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, account, room, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var ts int64
		var senderID, senderNick, senderName, avatarURL sql.NullString
		var parentID, fileName, mimeType, archiveID sql.NullString
		var fileSize sql.NullInt64

		err := rows.Scan(&msg.ID, &msg.Room, &msg.Body, &senderID, &senderNick, &senderName,
			&avatarURL, &msg.IsSystem, &msg.IsReply, &parentID, &fileName, &mimeType,
			&fileSize, &archiveID, &ts, &msg.Deleted)
		if err != nil {
			return nil, err
		}

		msg.SenderID = senderID.String
		msg.SenderNick = senderNick.String
		msg.SenderName = senderName.String
		msg.AvatarURL = avatarURL.String
		msg.ParentID = parentID.String
		msg.FileName = fileName.String
		msg.MimeType = mimeType.String
		msg.ArchiveID = archiveID.String
		msg.FileSize = fileSize.Int64
		msg.CreatedAt = time.Unix(ts, 0)
		messages = append(messages, msg)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// MarkMessageDeleted flags a tombstoned message; the row stays for thread
// linkage.
func (d *DB) MarkMessageDeleted(account, room, id string) error {
	_, err := d.db.Exec(`
		UPDATE messages SET deleted = 1
		WHERE account = ? AND room = ? AND id = ?
	`, account, room, id)
	return err
}

func (d *DB) DeleteMessages(account, room string) error {
	_, err := d.db.Exec("DELETE FROM messages WHERE account = ? AND room = ?", account, room)
	return err
}

func (d *DB) MessageExists(account, id string) (bool, error) {
	var one int
	err := d.db.QueryRow("SELECT 1 FROM messages WHERE account = ? AND id = ?", account, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return one == 1, nil
}

type Room struct {
	Room     string
	Name     string
	UsersCnt int
}

func (d *DB) SaveRooms(account string, entries []Room) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM rooms WHERE account = ?", account); err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, entry := range entries {
		_, err := tx.Exec(`
			INSERT INTO rooms (account, room, name, users_cnt, last_updated)
			VALUES (?, ?, ?, ?, ?)
		`, account, entry.Room, entry.Name, entry.UsersCnt, now)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (d *DB) GetRooms(account string) ([]Room, error) {
	rows, err := d.db.Query(`
		SELECT room, name, users_cnt
		FROM rooms
		WHERE account = ?
		ORDER BY COALESCE(name, room), room
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Room
	for rows.Next() {
		var entry Room
		var name sql.NullString

		if err := rows.Scan(&entry.Room, &name, &entry.UsersCnt); err != nil {
			return nil, err
		}
		entry.Name = name.String
		entries = append(entries, entry)
	}

	return entries, nil
}

func (d *DB) DeleteRoom(account, room string) error {
	_, err := d.db.Exec("DELETE FROM rooms WHERE account = ? AND room = ?", account, room)
	return err
}

// SetLastViewed caches the read marker locally. The private server store is
// authoritative; this copy serves offline display.
func (d *DB) SetLastViewed(account, room string, at time.Time) error {
	_, err := d.db.Exec(`
		INSERT INTO read_markers (account, room, last_viewed)
		VALUES (?, ?, ?)
		ON CONFLICT(account, room) DO UPDATE SET last_viewed = excluded.last_viewed
	`, account, room, at.UnixMilli())
	return err
}

func (d *DB) GetLastViewed(account, room string) (time.Time, bool, error) {
	var ms int64
	err := d.db.QueryRow(`
		SELECT last_viewed FROM read_markers
		WHERE account = ? AND room = ?
	`, account, room).Scan(&ms)

	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// UnreadCount counts cached messages newer than the room's read marker.
func (d *DB) UnreadCount(account, room string) (int, error) {
	var count int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE account = ? AND room = ? AND deleted = 0
		  AND created_at * 1000 > COALESCE(
			(SELECT last_viewed FROM read_markers WHERE account = ? AND room = ?), 0)
	`, account, room, account, room).Scan(&count)
	return count, err
}

type ArchiveSync struct {
	Account        string
	Room           string
	FirstArchiveID string
	Complete       bool
	LastSynced     int64
}

func (d *DB) GetArchiveSync(account, room string) (*ArchiveSync, error) {
	var sync ArchiveSync
	var firstID sql.NullString
	err := d.db.QueryRow(`
		SELECT account, room, first_archive_id, complete, last_synced
		FROM archive_sync
		WHERE account = ? AND room = ?
	`, account, room).Scan(&sync.Account, &sync.Room, &firstID, &sync.Complete, &sync.LastSynced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sync.FirstArchiveID = firstID.String
	return &sync, nil
}

func (d *DB) SaveArchiveSync(sync ArchiveSync) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO archive_sync (account, room, first_archive_id, complete, last_synced)
		VALUES (?, ?, ?, ?, ?)
	`, sync.Account, sync.Room, sync.FirstArchiveID, sync.Complete, time.Now().Unix())
	return err
}

func (d *DB) DeleteArchiveSync(account, room string) error {
	_, err := d.db.Exec(`
		DELETE FROM archive_sync
		WHERE account = ? AND room = ?
	`, account, room)
	return err
}

func (d *DB) SetAppState(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO app_state (key, value)
		VALUES (?, ?)
	`, key, value)
	return err
}

func (d *DB) GetAppState(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (d *DB) DeleteAppState(key string) error {
	_, err := d.db.Exec("DELETE FROM app_state WHERE key = ?", key)
	return err
}

func (d *DB) DeleteOldMessages(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	result, err := d.db.Exec("DELETE FROM messages WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *DB) GetMessageCount() (int64, error) {
	var count int64
	err := d.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}

func (d *DB) GetDatabaseSize() (int64, error) {
	var pageCount, pageSize int64
	err := d.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, err
	}
	err = d.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}
