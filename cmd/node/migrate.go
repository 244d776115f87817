package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"sunkcost/internal/chain"
)

const stateMigrateCommand = "migrate-state"

var errMigrationMismatch = errors.New("migrated state does not match source")

func maybeRunStateMigration(args []string, logf func(format string, v ...any)) (bool, error) {
	if len(args) < 2 || strings.TrimSpace(args[1]) != stateMigrateCommand {
		return false, nil
	}

	fs := flag.NewFlagSet(stateMigrateCommand, flag.ContinueOnError)
	fromBackend := fs.String("from-backend", stateBackendSnapshot, "source backend: snapshot or sqlite")
	fromPath := fs.String("from", "", "source state path")
	toBackend := fs.String("to-backend", stateBackendSnapshot, "target backend: snapshot or sqlite")
	toPath := fs.String("to", "", "target state path")
	if err := fs.Parse(args[2:]); err != nil {
		return true, err
	}

	*fromBackend = normalizeStateBackend(*fromBackend)
	*toBackend = normalizeStateBackend(*toBackend)
	if !isSupportedStateBackend(*fromBackend) {
		return true, fmt.Errorf("unsupported from-backend %q (supported: %s, %s)", *fromBackend, stateBackendSnapshot, stateBackendSQLite)
	}
	if !isSupportedStateBackend(*toBackend) {
		return true, fmt.Errorf("unsupported to-backend %q (supported: %s, %s)", *toBackend, stateBackendSnapshot, stateBackendSQLite)
	}
	if strings.TrimSpace(*fromPath) == "" {
		return true, errors.New("-from is required")
	}
	if strings.TrimSpace(*toPath) == "" {
		return true, errors.New("-to is required")
	}

	c, err := loadChainState(*fromBackend, *fromPath, chain.Config{})
	if err != nil {
		return true, fmt.Errorf("load source state: %w", err)
	}
	if err := saveChainState(c, *toBackend, *toPath); err != nil {
		return true, fmt.Errorf("save target state: %w", err)
	}
	summary, err := verifyMigratedState(c, *toBackend, *toPath)
	if err != nil {
		return true, err
	}

	if logf != nil {
		logf(
			"state migration completed from=%s(%s) to=%s(%s) height=%d pots=%d open=%d custody=%d",
			*fromBackend,
			*fromPath,
			*toBackend,
			*toPath,
			summary.Height,
			summary.PotsCount,
			summary.OpenPots,
			summary.CustodyBalance,
		)
	}
	return true, nil
}

// verifyMigratedState reloads the target and requires the same head and the
// same value held for open pots as the source.
func verifyMigratedState(source *chain.Chain, backend, path string) (chain.Metrics, error) {
	target, err := loadChainState(backend, path, chain.Config{})
	if err != nil {
		return chain.Metrics{}, fmt.Errorf("reload target state: %w", err)
	}
	want, got := source.GetStatus(), target.GetStatus()
	if got.HeadHash != want.HeadHash {
		return chain.Metrics{}, fmt.Errorf("%w: head %d/%s want %d/%s", errMigrationMismatch, got.Height, got.HeadHash, want.Height, want.HeadHash)
	}
	wantM, gotM := source.GetMetrics(), target.GetMetrics()
	if gotM.CustodyBalance != wantM.CustodyBalance || gotM.PotsCount != wantM.PotsCount {
		return chain.Metrics{}, fmt.Errorf("%w: pots=%d custody=%d want pots=%d custody=%d",
			errMigrationMismatch, gotM.PotsCount, gotM.CustodyBalance, wantM.PotsCount, wantM.CustodyBalance)
	}
	return gotM, nil
}
