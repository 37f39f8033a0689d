// Demo wiring for the lending engine: a SQLite- or Postgres-backed store,
// one provisioned tenant, and a short borrow/return session driven through
// the protocol, with Prometheus metrics served on /metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bibliocirc/lending-engine-go/config"
	"github.com/bibliocirc/lending-engine-go/lending"
	"github.com/bibliocirc/lending-engine-go/postgresengine"
	"github.com/bibliocirc/lending-engine-go/promadapters"
	"github.com/bibliocirc/lending-engine-go/slogadapters"
	"github.com/bibliocirc/lending-engine-go/sqliteengine"
)

const tenantName = "demo-library"

type schemaStore interface {
	lending.Store
	CreateSchema(ctx context.Context) error
}

func main() {
	backend := flag.String("backend", "sqlite", "storage backend: sqlite or postgres")
	metricsAddr := flag.String("metrics-addr", ":9100", "address for the Prometheus /metrics endpoint")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger := slogadapters.Setup()
	metrics := promadapters.NewCollector(prometheus.DefaultRegisterer)

	store, err := openStore(ctx, *backend, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	if err = store.CreateSchema(ctx); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}

	if err = seed(ctx, store); err != nil {
		log.Fatalf("Failed to seed demo data: %v", err)
	}

	registry := lending.NewRegistry()
	if _, err = registry.Provision(ctx, store, tenantName, lending.TenantSettings{}); err != nil {
		log.Fatalf("Failed to provision tenant: %v", err)
	}

	protocol, err := lending.NewProtocol(store, registry,
		lending.WithLogger(logger),
		lending.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatalf("Failed to create protocol: %v", err)
	}

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if serveErr := metricsServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Printf("Metrics server stopped: %v", serveErr)
		}
	}()

	runSession(ctx, protocol)

	fmt.Println("Demo session complete. Serving /metrics, press Ctrl+C to exit.")
	<-sigChan

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, backend string, logger lending.Logger, metrics lending.MetricsCollector) (schemaStore, error) {
	switch backend {
	case "postgres":
		pool, err := pgxpool.NewWithConfig(ctx, config.PostgresPGXPoolConfig())
		if err != nil {
			return nil, err
		}

		store, err := postgresengine.NewStoreFromPGXPool(pool,
			postgresengine.WithLogger(logger),
			postgresengine.WithMetrics(metrics),
		)
		if err != nil {
			return nil, err
		}

		return store, nil

	case "sqlite":
		store, err := sqliteengine.NewStore(config.SQLiteDBConfig(),
			sqliteengine.WithLogger(logger),
			sqliteengine.WithMetrics(metrics),
		)
		if err != nil {
			return nil, err
		}

		return store, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// seed inserts the demo user and books, ignoring duplicates so the demo can
// be re-run on the same database file.
func seed(ctx context.Context, store lending.Store) error {
	users, err := store.SearchUsers(ctx, tenantName, lending.UserQuery{})
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}

	if err = store.InsertUser(ctx, tenantName, &lending.User{ID: 1001, Name: "Mei Takahara"}); err != nil {
		return err
	}

	books := []lending.Book{
		{ID: 20001, Title: "The Sea Wall", Location: "shelf A"},
		{ID: 20002, Title: "Night Train to the North", Location: "shelf B"},
		{ID: 20003, Title: "Rare Atlas of 1632", Location: "archive", Forbidden: true},
	}
	for i := range books {
		if err = store.InsertBook(ctx, tenantName, &books[i]); err != nil {
			return err
		}
	}

	return nil
}

func runSession(ctx context.Context, protocol *lending.Protocol) {
	requests := []lending.WorkRequest{
		{UserID: "1001", BorrowBookID: "20001"},
		{UserID: "1001", BorrowBookID: "20002"},
		{UserID: "1001", BorrowBookID: "20003"}, // forbidden, rejected
		{UserID: "1001", ReturnBookID: "20001"},
		{ReturnBookID: "20002"}, // kiosk drop-off
	}

	for _, request := range requests {
		reply, err := protocol.Process(ctx, tenantName, request)
		if err != nil {
			fmt.Printf("request %+v -> error %d: %v\n", request, lending.ErrCode(err), err)
			continue
		}

		if reply.ReturnedBookTitle != "" {
			fmt.Printf("returned %q for user %d\n", reply.ReturnedBookTitle, reply.User.ID)
		}
		fmt.Printf("user %d now holds %d book(s)\n", reply.User.ID, len(reply.BorrowedBooks))
	}
}
