// Package storage persists accounts and offline messages to sqlite.
//
// Grounded on original_source/pumaduct/storage.py's two SQLAlchemy
// models (pumaduct_account, pumaduct_message) — the schema below
// mirrors their columns and the network+ext_user uniqueness constraint
// exactly, translated to database/sql + mattn/go-sqlite3.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Destination mirrors Message.destination's Enum("client", "matrix").
type Destination string

const (
	DestinationClient Destination = "client"
	DestinationMatrix Destination = "matrix"
)

// Account is a Matrix user's registered identity on an external network.
type Account struct {
	ID        int64
	User      string
	Network   string
	ExtUser   string
	Password  string
	AuthToken sql.NullString
}

// Message is an offline message queued for later delivery.
type Message struct {
	ID          int64
	Network     sql.NullString
	ExtUser     sql.NullString
	RoomID      sql.NullString
	Sender      string
	Recipient   sql.NullString
	Destination Destination
	Time        time.Time
	Payload     json.RawMessage
}

const schema = `
CREATE TABLE IF NOT EXISTS pumaduct_account (
	id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	user TEXT NOT NULL,
	network TEXT NOT NULL,
	ext_user TEXT NOT NULL,
	password TEXT NOT NULL,
	auth_token TEXT,
	UNIQUE (network, ext_user)
);

CREATE TABLE IF NOT EXISTS pumaduct_message (
	id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	network TEXT,
	ext_user TEXT,
	room_id TEXT,
	sender TEXT NOT NULL,
	recipient TEXT,
	destination TEXT NOT NULL CHECK (destination IN ('client', 'matrix')),
	time DATETIME NOT NULL,
	payload TEXT NOT NULL
);
`

// Store wraps a sqlite connection with the bridge's persistence operations.
type Store struct {
	db *sql.DB
}

// Open connects to the sqlite database at dbSpec (a DSN understood by
// mattn/go-sqlite3, e.g. "file:/var/lib/pumaduct/pumaduct.db") and
// ensures the schema exists.
func Open(dbSpec string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbSpec)
	if err != nil {
		return nil, fmt.Errorf("storage: opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListAccounts returns every persisted account, the way connection.py's
// __enter__ loads all accounts on startup.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user, network, ext_user, password, auth_token FROM pumaduct_account`)
	if err != nil {
		return nil, fmt.Errorf("storage: listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.User, &a.Network, &a.ExtUser, &a.Password, &a.AuthToken); err != nil {
			return nil, fmt.Errorf("storage: scanning account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CreateAccount inserts a new account row, grounded on registration.py's
// on_user_signed_on_without_account, which creates the DB row once the
// back-end login for a pending registration succeeds.
func (s *Store) CreateAccount(ctx context.Context, a Account) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pumaduct_account (user, network, ext_user, password, auth_token) VALUES (?, ?, ?, ?, ?)`,
		a.User, a.Network, a.ExtUser, a.Password, a.AuthToken)
	if err != nil {
		return 0, fmt.Errorf("storage: creating account: %w", err)
	}
	return res.LastInsertId()
}

// UpdateAuthToken persists a refreshed auth token, grounded on
// connection.py's on_new_auth_token.
func (s *Store) UpdateAuthToken(ctx context.Context, accountID int64, authToken string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pumaduct_account SET auth_token = ? WHERE id = ?`, authToken, accountID)
	if err != nil {
		return fmt.Errorf("storage: updating auth token: %w", err)
	}
	return nil
}

// DeleteAccount removes the account row, grounded on registration.py's
// on_service_unregister.
func (s *Store) DeleteAccount(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pumaduct_account WHERE id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("storage: deleting account: %w", err)
	}
	return nil
}

// InsertMessage queues an offline message, grounded on messages.py's
// _store_offline_message_to_matrix / _store_offline_message_to_clients /
// _store_offline_message_to_clients_without_account.
func (s *Store) InsertMessage(ctx context.Context, m Message) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pumaduct_message (network, ext_user, room_id, sender, recipient, destination, time, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Network, m.ExtUser, m.RoomID, m.Sender, m.Recipient, string(m.Destination), m.Time, string(m.Payload))
	if err != nil {
		return 0, fmt.Errorf("storage: inserting message: %w", err)
	}
	return res.LastInsertId()
}

// DeleteMessage removes a delivered message row.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pumaduct_message WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: deleting message: %w", err)
	}
	return nil
}

// MessagesToClient returns queued client-bound messages for (user, account),
// ordered by time, grounded on messages.py's get_messages_to_client. A nil
// network/extUser selects rows stored without an account (both columns null).
func (s *Store) MessagesToClient(ctx context.Context, user string, network, extUser *string) ([]Message, error) {
	var rows *sql.Rows
	var err error
	if network != nil && extUser != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, network, ext_user, room_id, sender, recipient, destination, time, payload
			 FROM pumaduct_message
			 WHERE destination = 'client' AND sender = ? AND network = ? AND ext_user = ?
			 ORDER BY time ASC`, user, *network, *extUser)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, network, ext_user, room_id, sender, recipient, destination, time, payload
			 FROM pumaduct_message
			 WHERE destination = 'client' AND sender = ? AND network IS NULL AND ext_user IS NULL
			 ORDER BY time ASC`, user)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: querying client messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesToMatrix returns queued matrix-bound messages ordered by time,
// grounded on messages.py's get_messages_to_matrix.
func (s *Store) MessagesToMatrix(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, network, ext_user, room_id, sender, recipient, destination, time, payload
		 FROM pumaduct_message
		 WHERE destination = 'matrix'
		 ORDER BY time ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: querying matrix messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var destination string
		var payload string
		if err := rows.Scan(&m.ID, &m.Network, &m.ExtUser, &m.RoomID, &m.Sender, &m.Recipient,
			&destination, &m.Time, &payload); err != nil {
			return nil, fmt.Errorf("storage: scanning message: %w", err)
		}
		m.Destination = Destination(destination)
		m.Payload = json.RawMessage(payload)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
