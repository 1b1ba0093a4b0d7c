package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/isqad/livelook-signal/internal/config"
)

type deadLetter struct {
	EventID  string    `json:"eventId"`
	Payload  Event     `json:"payload"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// FileSink appends dead letters to a file, one JSON document per line
type FileSink struct {
	lock sync.Mutex
	path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Store(_ context.Context, e Event, cause error) error {
	line, err := json.Marshal(deadLetter{
		EventID:  e.ID,
		Payload:  e,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// PostgresSink keeps dead letters in the event_dead_letters table
type PostgresSink struct {
	db *sqlx.DB
}

func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Store(ctx context.Context, e Event, cause error) error {
	payload, err := e.ToJSON()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO event_dead_letters
			(event_id, event_type, room_id, payload, error, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (event_id) DO NOTHING`,
		e.ID,
		string(e.Type),
		e.RoomID,
		payload,
		cause.Error(),
		time.Now().UTC(),
	)
	return err
}

// NewDeadLetterSink builds the sink selected by conf
func NewDeadLetterSink(conf config.DeadLetterConfig) (DeadLetterSink, func() error, error) {
	switch conf.Driver {
	case "", "file":
		return NewFileSink(conf.Path), func() error { return nil }, nil
	case "postgres":
		db, err := sqlx.Connect("pgx", conf.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return NewPostgresSink(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown dead letter driver %q", conf.Driver)
	}
}
