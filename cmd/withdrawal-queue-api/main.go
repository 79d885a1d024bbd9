package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nova-stake/withdrawal-queue/internal/authz"
	checkpointpg "github.com/nova-stake/withdrawal-queue/internal/checkpointhistory/postgres"
	"github.com/nova-stake/withdrawal-queue/internal/events"
	"github.com/nova-stake/withdrawal-queue/internal/httpapi"
	"github.com/nova-stake/withdrawal-queue/internal/natcustody"
	reqbookpg "github.com/nova-stake/withdrawal-queue/internal/reqbook/postgres"
	"github.com/nova-stake/withdrawal-queue/internal/stktoken"
	"github.com/nova-stake/withdrawal-queue/internal/withdrawalqueue"
	withdrawalqueuepg "github.com/nova-stake/withdrawal-queue/internal/withdrawalqueue/postgres"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8083", "HTTP listen address")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		custodyBaseURL   = flag.String("custody-base-url", "", "NAT custody service base URL (required)")
		custodyAuthTok   = flag.String("custody-auth-token", "", "NAT custody service bearer token")
		tokenBaseURL     = flag.String("token-base-url", "", "STK token service base URL (required)")
		tokenAuthTok     = flag.String("token-auth-token", "", "STK token service bearer token")
		finalizerCSV     = flag.String("finalizer-addresses", "", "comma-separated addresses granted the finalizer role")
		administratorCSV = flag.String("administrator-addresses", "", "comma-separated addresses granted the administrator role")

		eventsDriver  = flag.String("events-driver", events.DriverKafka, "event producer driver (kafka|stdio)")
		eventsBrokers = flag.String("events-brokers", "", "event broker list (comma-separated); empty falls back to stdio")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *custodyBaseURL == "" || *tokenBaseURL == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --custody-base-url, and --token-base-url are required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	requests, err := reqbookpg.New(pool)
	if err != nil {
		log.Error("init request book", "err", err)
		os.Exit(2)
	}
	if err := requests.EnsureSchema(ctx); err != nil {
		log.Error("ensure request book schema", "err", err)
		os.Exit(2)
	}

	checkpoints, err := checkpointpg.New(pool)
	if err != nil {
		log.Error("init checkpoint history", "err", err)
		os.Exit(2)
	}
	if err := checkpoints.EnsureSchema(ctx); err != nil {
		log.Error("ensure checkpoint history schema", "err", err)
		os.Exit(2)
	}

	custody, err := natcustody.NewClient(*custodyBaseURL, *custodyAuthTok)
	if err != nil {
		log.Error("init custody client", "err", err)
		os.Exit(2)
	}

	token, err := stktoken.NewClient(*tokenBaseURL, *tokenAuthTok)
	if err != nil {
		log.Error("init token client", "err", err)
		os.Exit(2)
	}

	roles := authz.NewStaticRoles()
	finalizerAddrs, err := parseAddressCSV(*finalizerCSV)
	if err != nil {
		log.Error("parse finalizer addresses", "err", err)
		os.Exit(2)
	}
	for _, a := range finalizerAddrs {
		roles.GrantFinalizer(a)
	}
	administratorAddrs, err := parseAddressCSV(*administratorCSV)
	if err != nil {
		log.Error("parse administrator addresses", "err", err)
		os.Exit(2)
	}
	for _, a := range administratorAddrs {
		roles.GrantAdministrator(a)
	}

	eventsCfg := events.ProducerConfig{Driver: *eventsDriver}
	if strings.TrimSpace(*eventsBrokers) == "" {
		eventsCfg.Driver = events.DriverStdio
		eventsCfg.Writer = os.Stderr
	} else {
		for _, b := range strings.Split(*eventsBrokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				eventsCfg.Brokers = append(eventsCfg.Brokers, b)
			}
		}
	}
	producer, err := events.NewProducer(eventsCfg)
	if err != nil {
		log.Error("init event producer", "err", err)
		os.Exit(2)
	}
	defer producer.Close()

	emitter, err := events.NewEmitter(producer)
	if err != nil {
		log.Error("init event emitter", "err", err)
		os.Exit(2)
	}

	scalars, err := withdrawalqueuepg.New(pool)
	if err != nil {
		log.Error("init scalar store", "err", err)
		os.Exit(2)
	}
	if err := scalars.EnsureSchema(ctx); err != nil {
		log.Error("ensure scalar schema", "err", err)
		os.Exit(2)
	}

	queue, err := withdrawalqueue.New(requests, checkpoints, token, custody, roles, emitter, log, withdrawalqueue.WithScalarStore(scalarAdapter{scalars}))
	if err != nil {
		log.Error("init withdrawal queue", "err", err)
		os.Exit(2)
	}

	handler, err := httpapi.NewHandler(httpapi.Config{Now: time.Now}, queue, log)
	if err != nil {
		log.Error("init http handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("withdrawal-queue-api listening", "addr", *listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// scalarAdapter bridges the postgres scalar store's State type to the
// withdrawalqueue.ScalarState shape its ScalarStore interface expects.
type scalarAdapter struct {
	store *withdrawalqueuepg.Store
}

func (a scalarAdapter) Load(ctx context.Context) (withdrawalqueue.ScalarState, error) {
	s, err := a.store.Load(ctx)
	if err != nil {
		return withdrawalqueue.ScalarState{}, err
	}
	return withdrawalqueue.ScalarState{
		LastFinalizedRequestID: s.LastFinalizedRequestID,
		LockedNAT:              s.LockedNAT,
		LastReportTimestamp:    s.LastReportTimestamp,
	}, nil
}

func (a scalarAdapter) Save(ctx context.Context, state withdrawalqueue.ScalarState) error {
	return a.store.Save(ctx, withdrawalqueuepg.State{
		LastFinalizedRequestID: state.LastFinalizedRequestID,
		LockedNAT:              state.LockedNAT,
		LastReportTimestamp:    state.LastReportTimestamp,
	})
}

func parseAddressCSV(csv string) ([][20]byte, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	var out [][20]byte
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "0x"))
		if part == "" {
			continue
		}
		if len(part) != 40 {
			return nil, fmt.Errorf("invalid address %q", part)
		}
		b, err := hex.DecodeString(part)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", part, err)
		}
		var a [20]byte
		copy(a[:], b)
		out = append(out, a)
	}
	return out, nil
}
