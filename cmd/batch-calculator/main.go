package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nova-stake/withdrawal-queue/internal/artifacts"
	"github.com/nova-stake/withdrawal-queue/internal/authz"
	"github.com/nova-stake/withdrawal-queue/internal/calcdriver"
	checkpointpg "github.com/nova-stake/withdrawal-queue/internal/checkpointhistory/postgres"
	"github.com/nova-stake/withdrawal-queue/internal/events"
	leasespg "github.com/nova-stake/withdrawal-queue/internal/leases/postgres"
	"github.com/nova-stake/withdrawal-queue/internal/natcustody"
	"github.com/nova-stake/withdrawal-queue/internal/oraclereport"
	"github.com/nova-stake/withdrawal-queue/internal/rebaselimiter"
	reqbookpg "github.com/nova-stake/withdrawal-queue/internal/reqbook/postgres"
	"github.com/nova-stake/withdrawal-queue/internal/secrets"
	"github.com/nova-stake/withdrawal-queue/internal/sharerate"
	"github.com/nova-stake/withdrawal-queue/internal/stktoken"
	"github.com/nova-stake/withdrawal-queue/internal/withdrawalqueue"
	withdrawalqueuepg "github.com/nova-stake/withdrawal-queue/internal/withdrawalqueue/postgres"
)

// scalarAdapter bridges withdrawalqueuepg.State and the aggregate's own
// ScalarState, keeping internal/withdrawalqueue free of a dependency on
// its postgres subpackage.
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

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		owner        = flag.String("owner", "", "unique calculator owner id (required; used for DB leases)")
		leaseTTL     = flag.Duration("lease-ttl", 30*time.Second, "calculation leadership lease TTL")
		tickInterval = flag.Duration("tick-interval", 2*time.Second, "driver tick interval")
		tickTimeout  = flag.Duration("tick-timeout", 30*time.Second, "per-tick context timeout")

		natBudget    = flag.String("nat-budget", "", "NAT budget ceiling per batch round (required, base units)")
		maxShareRate = flag.String("max-share-rate", "", "maximum acceptable E27-scaled share rate (required)")
		rebaseLimit  = flag.String("rebase-limit", "", "E27-scaled cap on post/pre-report pooled-NAT growth consulted before finalize (default: unlimited)")

		operatorsCSV      = flag.String("operators", "", "comma-separated oracle operator addresses (required unless --secrets-provider is set)")
		operatorThreshold = flag.Int("operator-threshold", 0, "oracle signature threshold (required unless --secrets-provider is set)")
		secretsProvider   = flag.String("secrets-provider", "", "load the oracle committee from a secrets provider instead of the flags above: aws|env")

		oracleBaseURL  = flag.String("oracle-base-url", "", "oracle report service base URL (required)")
		oracleAuthEnv  = flag.String("oracle-auth-env", "ORACLE_AUTH_TOKEN", "env var containing oracle service bearer auth token")
		custodyBaseURL = flag.String("custody-base-url", "", "nat custody service base URL (required)")
		custodyAuthEnv = flag.String("custody-auth-env", "CUSTODY_AUTH_TOKEN", "env var containing custody service bearer auth token")
		tokenBaseURL   = flag.String("token-base-url", "", "stk token service base URL (required)")
		tokenAuthEnv   = flag.String("token-auth-env", "TOKEN_AUTH_TOKEN", "env var containing token service bearer auth token")

		artifactsDriver = flag.String("artifacts-driver", artifacts.DriverMemory, "artifact store driver: memory|s3")
		artifactsBucket = flag.String("artifacts-bucket", "", "S3 bucket for artifacts (required if --artifacts-driver=s3)")
		artifactsPrefix = flag.String("artifacts-prefix", "batch-calculator/", "artifact key prefix")

		eventsDriver  = flag.String("events-driver", events.DriverStdio, "events driver: kafka|stdio")
		eventsBrokers = flag.String("events-brokers", "", "comma-separated kafka brokers (required for events-driver=kafka)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *owner == "" || *natBudget == "" || *maxShareRate == "" ||
		*oracleBaseURL == "" || *custodyBaseURL == "" || *tokenBaseURL == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --owner, --nat-budget, --max-share-rate, --oracle-base-url, --custody-base-url, and --token-base-url are required")
		os.Exit(2)
	}
	if *secretsProvider == "" && (*operatorsCSV == "" || *operatorThreshold <= 0) {
		fmt.Fprintln(os.Stderr, "error: --operators and --operator-threshold are required unless --secrets-provider is set")
		os.Exit(2)
	}
	if *secretsProvider != "" && *secretsProvider != "aws" && *secretsProvider != "env" {
		fmt.Fprintln(os.Stderr, "error: --secrets-provider must be aws or env")
		os.Exit(2)
	}
	if *leaseTTL <= 0 || *tickInterval <= 0 || *tickTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --lease-ttl, --tick-interval, and --tick-timeout must be > 0")
		os.Exit(2)
	}

	budget, ok := new(big.Int).SetString(*natBudget, 10)
	if !ok || budget.Sign() <= 0 {
		fmt.Fprintln(os.Stderr, "error: --nat-budget must be a positive base-10 integer")
		os.Exit(2)
	}
	rate, ok := new(big.Int).SetString(*maxShareRate, 10)
	if !ok || rate.Sign() <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-share-rate must be a positive base-10 integer")
		os.Exit(2)
	}
	rebaseLimitValue := new(big.Int).Set(sharerate.Unlimited)
	if strings.TrimSpace(*rebaseLimit) != "" {
		parsed, ok := new(big.Int).SetString(*rebaseLimit, 10)
		if !ok || parsed.Sign() <= 0 || parsed.Cmp(sharerate.Unlimited) > 0 {
			fmt.Fprintln(os.Stderr, "error: --rebase-limit must be a base-10 integer in (0, UNLIMITED]")
			os.Exit(2)
		}
		rebaseLimitValue = parsed
	}
	oracleAuth := os.Getenv(*oracleAuthEnv)
	custodyAuth := os.Getenv(*custodyAuthEnv)
	tokenAuth := os.Getenv(*tokenAuthEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	operatorsCSVResolved, operatorThresholdResolved := *operatorsCSV, *operatorThreshold
	if *secretsProvider != "" {
		var provider secrets.Provider
		switch *secretsProvider {
		case "aws":
			awsProvider, err := secrets.NewAWS(ctx)
			if err != nil {
				log.Error("init aws secrets provider", "err", err)
				os.Exit(2)
			}
			provider = awsProvider
		case "env":
			provider = secrets.NewEnv()
		}
		csv, threshold, err := secrets.LoadOracleCommittee(ctx, provider)
		if err != nil {
			log.Error("load oracle committee from secrets provider", "err", err)
			os.Exit(2)
		}
		operatorsCSVResolved = csv
		parsedThreshold, err := strconv.Atoi(strings.TrimSpace(threshold))
		if err != nil {
			log.Error("parse oracle operator threshold from secrets provider", "err", err)
			os.Exit(2)
		}
		operatorThresholdResolved = parsedThreshold
	}
	operators, err := parseCommonAddressCSV(operatorsCSVResolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse oracle operator addresses: %v\n", err)
		os.Exit(2)
	}
	if operatorThresholdResolved <= 0 {
		fmt.Fprintln(os.Stderr, "error: oracle operator threshold must be > 0")
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	requests, err := reqbookpg.New(pool)
	if err != nil {
		log.Error("init request book store", "err", err)
		os.Exit(2)
	}
	if err := requests.EnsureSchema(ctx); err != nil {
		log.Error("ensure request book schema", "err", err)
		os.Exit(2)
	}

	checkpoints, err := checkpointpg.New(pool)
	if err != nil {
		log.Error("init checkpoint store", "err", err)
		os.Exit(2)
	}
	if err := checkpoints.EnsureSchema(ctx); err != nil {
		log.Error("ensure checkpoint schema", "err", err)
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

	leaseStore, err := leasespg.New(pool)
	if err != nil {
		log.Error("init lease store", "err", err)
		os.Exit(2)
	}
	if err := leaseStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure lease schema", "err", err)
		os.Exit(2)
	}

	artifactStore, err := artifacts.New(artifacts.Config{
		Driver: *artifactsDriver,
		Prefix: *artifactsPrefix,
		Bucket: *artifactsBucket,
	})
	if err != nil {
		log.Error("init artifact store", "err", err)
		os.Exit(2)
	}

	custodyClient, err := natcustody.NewClient(*custodyBaseURL, custodyAuth)
	if err != nil {
		log.Error("init custody client", "err", err)
		os.Exit(2)
	}
	tokenClient, err := stktoken.NewClient(*tokenBaseURL, tokenAuth)
	if err != nil {
		log.Error("init token client", "err", err)
		os.Exit(2)
	}
	oracleSource, err := oraclereport.NewHTTPSource(*oracleBaseURL, oracleAuth)
	if err != nil {
		log.Error("init oracle source", "err", err)
		os.Exit(2)
	}

	var brokers []string
	if strings.TrimSpace(*eventsBrokers) != "" {
		for _, b := range strings.Split(*eventsBrokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}
	producer, err := events.NewProducer(events.ProducerConfig{
		Driver:  *eventsDriver,
		Brokers: brokers,
		Writer:  os.Stderr,
	})
	if err != nil {
		log.Error("init events producer", "err", err)
		os.Exit(2)
	}
	emitter, err := events.NewEmitter(producer)
	if err != nil {
		log.Error("init events emitter", "err", err)
		os.Exit(2)
	}

	// This process acts as its own finalizer identity: the driver's owner
	// string stands in for its on-chain caller address in the authz check.
	selfCaller := ownerDigestAddress(*owner)
	roles := authz.NewStaticRoles()
	roles.GrantFinalizer(selfCaller)

	queue, err := withdrawalqueue.New(requests, checkpoints, tokenClient, custodyClient, roles, emitter, log,
		withdrawalqueue.WithScalarStore(scalarAdapter{store: scalars}))
	if err != nil {
		log.Error("init withdrawal queue", "err", err)
		os.Exit(2)
	}

	driver, err := calcdriver.New(calcdriver.Config{
		Owner:             *owner,
		LeaseTTL:          *leaseTTL,
		NATBudget:         budget,
		MaxShareRate:      rate,
		OperatorAddresses: operators,
		OperatorThreshold: operatorThresholdResolved,
	}, requests, queue, leaseStore, artifactStore, log)
	if err != nil {
		log.Error("init calc driver", "err", err)
		os.Exit(2)
	}

	log.Info("batch calculator started",
		"owner", *owner,
		"leaseTTL", leaseTTL.String(),
		"tickInterval", tickInterval.String(),
		"operatorThreshold", operatorThresholdResolved,
	)

	t := time.NewTicker(*tickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case now := <-t.C:
			cctx, cancel := context.WithTimeout(ctx, *tickTimeout)
			runTick(cctx, driver, queue, oracleSource, tokenClient, rate, rebaseLimitValue, selfCaller, now, log)
			cancel()
		}
	}
}

// runTick advances the calculation state and, once a batch list is
// complete, tries to pick up a quorum-signed oracle report and drive the
// two-phase finalization.
func runTick(ctx context.Context, driver *calcdriver.Driver, queue *withdrawalqueue.Queue, oracleSource oraclereport.Source, token stktoken.Token, maxShareRate, rebaseLimit *big.Int, caller [20]byte, now time.Time, log *slog.Logger) {
	state, err := driver.Tick(ctx, now)
	if err != nil {
		if errors.Is(err, calcdriver.ErrNotLeader) {
			return
		}
		log.Error("tick", "err", err)
		return
	}
	if !state.Finished || len(state.Batches) == 0 {
		return
	}

	pending, err := oracleSource.FetchLatest(ctx)
	if err != nil {
		if errors.Is(err, oraclereport.ErrNoReport) {
			return
		}
		log.Error("fetch oracle report", "err", err)
		return
	}

	if !sameBatchList(pending.Report.Batches, state.Batches) {
		log.Warn("oracle report batch list does not match calculated batches, skipping",
			"reportBatches", len(pending.Report.Batches), "calculatedBatches", len(state.Batches))
		return
	}
	if pending.Report.MaxShareRate.Cmp(maxShareRate) > 0 {
		log.Warn("oracle report max share rate exceeds configured ceiling, skipping")
		return
	}

	signers, err := driver.VerifyReport(pending.Report, pending.Signatures)
	if err != nil {
		log.Error("verify oracle report", "err", err)
		return
	}

	if _, err := queue.Prefinalize(ctx, state.Batches, pending.Report.MaxShareRate); err != nil {
		log.Error("prefinalize", "err", err)
		return
	}

	amountToLock, err := applyRebaseLimit(ctx, token, rebaseLimit, pending.Report.AmountToLock, log)
	if err != nil {
		log.Error("rebase limit check", "err", err)
		return
	}

	result, err := queue.Finalize(ctx, caller, state.Batches, pending.Report.MaxShareRate, amountToLock, now)
	if err != nil {
		log.Error("finalize", "err", err)
		return
	}
	if err := driver.Reset(ctx); err != nil {
		log.Error("reset calc state", "err", err)
	}

	log.Info("finalized batch round",
		"newFrontier", result.NewLastFinalizedRequestID,
		"batches", len(state.Batches),
		"signers", len(signers),
	)
}

// applyRebaseLimit consults the rebase limiter at the report boundary,
// capping the NAT amount a finalize is allowed to lock so that the
// resulting post/pre pooled-NAT growth never exceeds rebaseLimit.
func applyRebaseLimit(ctx context.Context, token stktoken.Token, rebaseLimit, amountToLock *big.Int, log *slog.Logger) (*big.Int, error) {
	preTotalPooled, err := token.TotalPooled(ctx)
	if err != nil {
		return nil, fmt.Errorf("query total pooled: %w", err)
	}
	preTotalShares, err := token.TotalShares(ctx)
	if err != nil {
		return nil, fmt.Errorf("query total shares: %w", err)
	}

	state, err := rebaselimiter.Init(rebaseLimit, preTotalPooled, preTotalShares)
	if err != nil {
		return nil, fmt.Errorf("init rebase limiter: %w", err)
	}
	_, consumed, err := state.ConsumeLimit(amountToLock)
	if err != nil {
		return nil, fmt.Errorf("consume rebase limit: %w", err)
	}
	if consumed.Cmp(amountToLock) < 0 {
		log.Warn("rebase limit capped amount to lock", "requested", amountToLock.String(), "allowed", consumed.String())
	}
	return consumed, nil
}

func sameBatchList(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ownerDigestAddress derives a deterministic 20-byte identity from the
// driver's owner string, used only as the local authz caller key; it
// carries no on-chain meaning.
func ownerDigestAddress(owner string) [20]byte {
	h := common.BytesToHash([]byte(owner))
	var a [20]byte
	copy(a[:], h[12:])
	return a
}

func parseCommonAddressCSV(csv string) ([]common.Address, error) {
	var out []common.Address
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("invalid address %q", part)
		}
		out = append(out, common.HexToAddress(part))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses provided")
	}
	return out, nil
}
