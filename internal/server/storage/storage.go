package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/hooke003/sidekick/internal/server/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// Store is what the relay needs from persistence.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	// SaveMessage stores env unless a message with the same id exists, and
	// returns the stored record either way.
	SaveMessage(ctx context.Context, env models.Envelope) (models.Envelope, error)
	// Undelivered returns the messages waiting for recipientID, oldest first.
	Undelivered(ctx context.Context, recipientID string) ([]models.Envelope, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	sender_id    UUID NOT NULL REFERENCES users(id),
	recipient_id UUID NOT NULL,
	frame        BYTEA NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL,
	delivered_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS messages_undelivered
	ON messages (recipient_id, received_at)
	WHERE delivered_at IS NULL;
`

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

type Postgres struct {
	db  *sql.DB
	log logrus.FieldLogger
	now func() time.Time
}

// Open connects to Postgres and makes sure the schema exists.
func Open(ctx context.Context, connStr string, log logrus.FieldLogger) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Postgres{db: db, log: log.WithField("component", "storage"), now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("Connected to database")
	return s, nil
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

// User Methods

func (s *Postgres) CreateUser(ctx context.Context, username, passwordHash string) (models.User, error) {
	u := models.User{ID: uuid.NewString(), Username: username, PasswordHash: passwordHash}
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3) RETURNING created_at",
		u.ID, username, passwordHash,
	).Scan(&u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return models.User{}, fmt.Errorf("%s: %w", username, ErrUsernameTaken)
		}
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Postgres) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// Message Methods

func (s *Postgres) SaveMessage(ctx context.Context, env models.Envelope) (models.Envelope, error) {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = s.now()
	}
	// Postgres keeps microseconds; the first answer must match later reads.
	env.ReceivedAt = env.ReceivedAt.UTC().Truncate(time.Microsecond)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, frame, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, env.ID, env.SenderID, env.RecipientID, env.Frame, env.ReceivedAt)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("save message %s: %w", env.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return env, nil
	}

	var stored models.Envelope
	var delivered sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, recipient_id, frame, received_at, delivered_at
		FROM messages WHERE id = $1
	`, env.ID).Scan(&stored.ID, &stored.SenderID, &stored.RecipientID, &stored.Frame, &stored.ReceivedAt, &delivered)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("load message %s: %w", env.ID, err)
	}
	stored.ReceivedAt = stored.ReceivedAt.UTC()
	if delivered.Valid {
		at := delivered.Time.UTC()
		stored.DeliveredAt = &at
	}
	return stored, nil
}

func (s *Postgres) Undelivered(ctx context.Context, recipientID string) ([]models.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, frame, received_at
		FROM messages
		WHERE recipient_id = $1 AND delivered_at IS NULL
		ORDER BY received_at, id
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("undelivered: %w", err)
	}
	defer rows.Close()

	var out []models.Envelope
	for rows.Next() {
		var e models.Envelope
		if err := rows.Scan(&e.ID, &e.SenderID, &e.RecipientID, &e.Frame, &e.ReceivedAt); err != nil {
			s.log.WithField("error", err.Error()).Error("Error scanning message")
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET delivered_at = $1 WHERE id = $2 AND delivered_at IS NULL",
		at, id,
	)
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", id, err)
	}
	return nil
}
