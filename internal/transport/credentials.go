package transport

import (
	"context"
	"fmt"
	"log/slog"

	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLCredentials is the durable credential store: a whatsmeow device
// container in sqlite or postgres. whatsmeow writes key and session updates
// through it as they happen.
type SQLCredentials struct {
	container *sqlstore.Container
}

// OpenCredentials opens (and migrates) the credential database. dialect is
// "sqlite" or "postgres".
func OpenCredentials(ctx context.Context, dialect, address string, log waLog.Logger) (*SQLCredentials, error) {
	if log == nil {
		log = NewSlogLogger(nil, "whatsmeow/db")
	}
	container, err := sqlstore.New(ctx, dialect, address, log)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &SQLCredentials{container: container}, nil
}

// Container exposes the device container for the transport factory.
func (c *SQLCredentials) Container() *sqlstore.Container { return c.container }

// Purge deletes every stored device so the next start needs a fresh login.
func (c *SQLCredentials) Purge(ctx context.Context) error {
	devices, err := c.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if err := c.container.DeleteDevice(ctx, d); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
	}
	slog.Info("credentials purged", "devices", len(devices))
	return nil
}

// Close closes the underlying database.
func (c *SQLCredentials) Close() error {
	return c.container.Close()
}
