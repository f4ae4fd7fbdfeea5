// Package postgres reads the steady-state transaction list from PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/ledger"
	"github.com/BuddyLim/smartfi/pkg/logging"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	// DSN, when set, is used as is and the other fields are ignored.
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// Migrate creates the tables on open when they are missing.
	Migrate bool `mapstructure:"migrate"`
}

func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "smartfi",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// ConnString returns the lib/pq connection string of c.
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Source lists transactions with their account and category names and a
// per-account running balance.
type Source struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open connects, pings and optionally migrates.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := NewSource(db)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewSource wraps an open database.
func NewSource(db *sql.DB) *Source {
	return &Source{db: db, logger: logging.Global().Named("postgres")}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		account_id BIGINT NOT NULL REFERENCES accounts(id),
		category_id BIGINT REFERENCES categories(id),
		name TEXT NOT NULL,
		amount NUMERIC(15,2) NOT NULL,
		entry_type TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		date TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, date DESC)`,
}

// Migrate creates the tables the queries read.
func (s *Source) Migrate(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

const listQuery = `
	SELECT t.id, t.name, t.amount, t.date,
		COALESCE(c.id, 0), COALESCE(c.name, ''),
		a.id, a.name, t.user_id, t.entry_type, t.currency,
		SUM(CASE WHEN t.entry_type = 'credit' THEN t.amount ELSE -t.amount END)
			OVER (PARTITION BY t.account_id ORDER BY t.date, t.id) AS running_balance
	FROM transactions t
	JOIN accounts a ON a.id = t.account_id
	LEFT JOIN categories c ON c.id = t.category_id
	WHERE t.user_id = $1
	ORDER BY t.date DESC, t.id DESC
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (ledger.Record, error) {
	var (
		rec  ledger.Record
		date time.Time
		kind string
	)
	if err := row.Scan(
		&rec.ID, &rec.Name, &rec.Amount, &date,
		&rec.CategoryID, &rec.CategoryName,
		&rec.AccountID, &rec.AccountName, &rec.UserID, &kind, &rec.Currency,
		&rec.RunningBalance,
	); err != nil {
		return ledger.Record{}, err
	}
	rec.Date = date.UTC().Format(time.RFC3339)
	rec.Kind = ledger.ParseEntryKind(kind)
	return rec, nil
}

// Transactions returns the transactions of userID, newest first.
func (s *Source) Transactions(ctx context.Context, userID int64) ([]ledger.Record, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, listQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query transactions: %w", err)
	}
	defer rows.Close()

	var recs []ledger.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read transactions: %w", err)
	}

	s.logger.Debug("listed transactions",
		logging.UserID(userID),
		zap.Int("count", len(recs)),
		zap.Duration("duration", time.Since(start)),
	)
	return recs, nil
}

// Insert stores rec under an existing account and returns its id. Date must
// be an RFC 3339 timestamp.
func (s *Source) Insert(ctx context.Context, rec ledger.Record) (int64, error) {
	date, err := time.Parse(time.RFC3339, rec.Date)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert: bad date %q: %w", rec.Date, err)
	}
	var category sql.NullInt64
	if rec.CategoryID != 0 {
		category = sql.NullInt64{Int64: rec.CategoryID, Valid: true}
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO transactions (user_id, account_id, category_id, name, amount, entry_type, currency, date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, rec.UserID, rec.AccountID, category, rec.Name, rec.Amount, string(rec.Kind), rec.Currency, date).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert: %w", err)
	}
	return id, nil
}

func (s *Source) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (s *Source) Close() error {
	return s.db.Close()
}
