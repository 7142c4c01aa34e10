package worker

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/schemafleet/propagator/internal/domain"
)

// classify maps a driver/context error to the §7 error taxonomy. phase
// says whether the error happened while acquiring the connection (as
// opposed to inside the transaction), since an unrecognized error during
// connect is far more likely transient than one raised mid-execute.
type phase int

const (
	phaseConnect phase = iota
	phaseExecute
)

// classify is grounded on the teacher's job_repo.go pattern of
// errors.As(err, &pgconn.PgError) against a single SQLSTATE (23505);
// generalized here to the fuller class table §7 requires.
func classify(err error, p phase) domain.ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return domain.ErrorCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "53300" || pgErr.Code == "53400":
			return domain.ErrorResourceExhausted
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return domain.ErrorConnect
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03":
			return domain.ErrorExecuteTransient
		case pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03":
			return domain.ErrorConnect
		case pgErr.Code == "42601" || pgErr.Code == "42501" || pgErr.Code == "42704" ||
			(len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23"):
			return domain.ErrorExecutePermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.ErrorTimeout
		}
		return domain.ErrorConnect
	}

	if p == phaseConnect {
		return domain.ErrorConnect
	}
	return domain.ErrorInternal
}
