// Package app wires configuration, storage, collaborators and the
// reallocation service for the binaries under cmd/.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/client"
	"github.com/iliyamo/reservation-reallocation/internal/config"
	"github.com/iliyamo/reservation-reallocation/internal/database"
	"github.com/iliyamo/reservation-reallocation/internal/queue"
	"github.com/iliyamo/reservation-reallocation/internal/repository"
	"github.com/iliyamo/reservation-reallocation/internal/repository/memory"
	"github.com/iliyamo/reservation-reallocation/internal/service"
)

// Stores groups the three persistence ports of the service.
type Stores struct {
	Reservations  service.ReservationStore
	Ledger        service.Ledger
	Compensations service.CompensationStore

	// Shared reports whether other processes see the same data.  Only a
	// shared store may be swept by the separate sweeper binary.
	Shared bool

	db *sql.DB
}

// OpenStores opens the store selected by cfg.StoreDriver and applies the
// schema.
func OpenStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return &Stores{
			Reservations:  memory.NewReservationStore(),
			Ledger:        memory.NewLedger(),
			Compensations: memory.NewCompensationStore(),
		}, nil
	case config.DriverSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return sqlStores(ctx, db, database.SQLite, false)
	case config.DriverMySQL:
		db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		return sqlStores(ctx, db, database.MySQL, true)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func sqlStores(ctx context.Context, db *sql.DB, d database.Dialect, shared bool) (*Stores, error) {
	if err := database.Migrate(ctx, db, d); err != nil {
		db.Close()
		return nil, err
	}
	return &Stores{
		Reservations:  repository.NewReservationRepo(db),
		Ledger:        repository.NewLedgerRepo(db),
		Compensations: repository.NewCompensationRepo(db),
		Shared:        shared,
		db:            db,
	}, nil
}

// Ping checks the database.  The memory store is always reachable.
func (s *Stores) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Close releases the database pool, if any.
func (s *Stores) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewService builds the reallocation service on st.  Notifications are
// published only when a broker URL is configured.
func NewService(cfg config.Config, st *Stores, log *zap.Logger) *service.ReallocationService {
	var notifier service.Notifier
	if cfg.RabbitURL != "" {
		notifier = queue.NewPublisher(cfg.RabbitURL, cfg.NotifyExchange, log)
	} else {
		log.Warn("RABBITMQ_URL not set, notifications disabled")
	}
	return service.NewReallocationService(
		st.Reservations,
		st.Ledger,
		st.Compensations,
		client.NewOrders(cfg.GatewayURL, cfg.CollaboratorTimeout, nil),
		client.NewPayments(cfg.GatewayURL, cfg.CollaboratorTimeout, nil),
		notifier,
		service.Config{
			OfferWindow: cfg.OfferWindow,
			SagaLease:   cfg.SagaLease,
			SweepBatch:  cfg.SweepBatch,
			Currency:    cfg.Currency,
		},
		log,
	)
}
