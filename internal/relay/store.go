package relay

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/messagehub/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidEmail = errors.New("invalid email")
)

// Store persists users and messages in sqlite.
type Store struct {
	conn *sql.DB
}

func OpenStore(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	// Every connection to :memory: is a separate database.
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		audio_url TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		delivered INTEGER NOT NULL DEFAULT 0,
		seen INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (sender_id) REFERENCES users(id),
		FOREIGN KEY (receiver_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_sender_receiver ON messages(sender_id, receiver_id);
	CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_unseen ON messages(receiver_id, sender_id, seen);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// EnsureUser returns the user with email, creating it on first use.
func (s *Store) EnsureUser(email string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return models.User{}, ErrInvalidEmail
	}

	_, err := s.conn.Exec(
		"INSERT INTO users (id, email) VALUES (?, ?) ON CONFLICT(email) DO NOTHING",
		uuid.NewString(), email,
	)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to create user: %w", err)
	}

	u := models.User{Email: email}
	if err := s.conn.QueryRow("SELECT id FROM users WHERE email = ?", email).Scan(&u.ID); err != nil {
		return models.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

func (s *Store) UserExists(id string) (bool, error) {
	var exists bool
	err := s.conn.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	return exists, nil
}

func (s *Store) Users() ([]models.User, error) {
	rows, err := s.conn.Query("SELECT id, email FROM users ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateMessage assigns an id and timestamp and stores m.
func (s *Store) CreateMessage(m models.Message) (models.Message, error) {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	m.Delivered, m.Seen = false, false

	_, err := s.conn.Exec(`
		INSERT INTO messages (id, sender_id, receiver_id, content, audio_url, media_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.SenderID, m.ReceiverID, m.Content, m.AudioURL, m.MediaURL, m.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	return m, nil
}

const messageColumns = "id, sender_id, receiver_id, content, audio_url, media_url, delivered, seen, created_at"

func scanMessage(row interface{ Scan(...any) error }) (models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.AudioURL, &m.MediaURL, &m.Delivered, &m.Seen, &m.CreatedAt)
	return m, err
}

func (s *Store) queryMessages(query string, args ...any) ([]models.Message, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) Message(id string) (models.Message, error) {
	m, err := scanMessage(s.conn.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to fetch message: %w", err)
	}
	return m, nil
}

// Conversation returns the messages between a and b, oldest first.
func (s *Store) Conversation(a, b string) ([]models.Message, error) {
	return s.queryMessages(
		"SELECT "+messageColumns+` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, rowid ASC`,
		a, b, b, a,
	)
}

// MarkDelivered flags a message addressed to receiverID as delivered. It
// reports false when the message was already delivered.
func (s *Store) MarkDelivered(id, receiverID string) (models.Message, bool, error) {
	res, err := s.conn.Exec(
		"UPDATE messages SET delivered = 1 WHERE id = ? AND receiver_id = ? AND delivered = 0",
		id, receiverID,
	)
	if err != nil {
		return models.Message{}, false, fmt.Errorf("failed to mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	m, err := s.Message(id)
	if err != nil {
		return models.Message{}, false, err
	}
	return m, n > 0, nil
}

// MarkSeen flags every unseen message from senderID to readerID as seen and
// returns the updated messages. Seen implies delivered.
func (s *Store) MarkSeen(readerID, senderID string) ([]models.Message, error) {
	unseen, err := s.queryMessages(
		"SELECT "+messageColumns+" FROM messages WHERE receiver_id = ? AND sender_id = ? AND seen = 0 ORDER BY created_at ASC",
		readerID, senderID,
	)
	if err != nil || len(unseen) == 0 {
		return nil, err
	}

	_, err = s.conn.Exec(
		"UPDATE messages SET seen = 1, delivered = 1 WHERE receiver_id = ? AND sender_id = ? AND seen = 0",
		readerID, senderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark seen: %w", err)
	}
	for i := range unseen {
		unseen[i].Seen, unseen[i].Delivered = true, true
	}
	return unseen, nil
}

type Stats struct {
	Users     int64 `json:"users"`
	Messages  int64 `json:"messages"`
	Delivered int64 `json:"delivered"`
	Seen      int64 `json:"seen"`
	Audio     int64 `json:"audio_messages"`
	Media     int64 `json:"media_messages"`
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM users").Scan(&st.Users); err != nil {
		return st, fmt.Errorf("failed to count users: %w", err)
	}
	err := s.conn.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(delivered), 0),
			COALESCE(SUM(seen), 0),
			COALESCE(SUM(audio_url != ''), 0),
			COALESCE(SUM(media_url != ''), 0)
		FROM messages
	`).Scan(&st.Messages, &st.Delivered, &st.Seen, &st.Audio, &st.Media)
	if err != nil {
		return st, fmt.Errorf("failed to count messages: %w", err)
	}
	return st, nil
}
