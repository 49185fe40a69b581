package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Client is a PostgreSQL client with connection pooling and prepared statements.
type Client struct {
	DB *pgxpool.Pool
}

// NewClient creates a new PostgreSQL client.
func NewClient(db *pgxpool.Pool) *Client {
	return &Client{DB: db}
}

// PrepareStatements prepares statements on one pooled connection to surface
// syntax or schema errors at startup rather than on the first call.
func (c *Client) PrepareStatements(ctx context.Context, statements map[string]string) error {
	if c.DB == nil {
		return ErrNoPool
	}
	conn, err := c.DB.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for statement preparation: %w", err)
	}
	defer conn.Release()

	for name, sql := range statements {
		if _, err := conn.Conn().Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
	}

	return nil
}

// Ping verifies that a connection can be acquired and used.
func (c *Client) Ping(ctx context.Context) error {
	if c.DB == nil {
		return ErrNoPool
	}
	return c.DB.Ping(ctx)
}

// Close releases every pooled connection.
func (c *Client) Close() {
	if c.DB != nil {
		c.DB.Close()
	}
}
