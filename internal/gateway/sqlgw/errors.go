package sqlgw

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// classify wraps a driver error with the matching gateway error.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity_constraint_violation
			if pqErr.Code == "23514" || pqErr.Code == "23502" { // check_violation, not_null_violation
				return fmt.Errorf("%w: %v", gateway.ErrInvalidQuery, err)
			}
			return fmt.Errorf("%w: %v", gateway.ErrConflict, err)
		case "42": // syntax_error_or_access_rule_violation
			return fmt.Errorf("%w: %v", gateway.ErrInvalidQuery, err)
		case "08", "53", "57": // connection, resources, operator intervention
			return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
		}
		return err
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %v", gateway.ErrNotFound, err)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}

	// modernc.org/sqlite reports constraint failures only through the message.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", gateway.ErrConflict, err)
	case strings.Contains(msg, "CHECK constraint failed"),
		strings.Contains(msg, "NOT NULL constraint failed"),
		strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "has no column named"):
		return fmt.Errorf("%w: %v", gateway.ErrInvalidQuery, err)
	case strings.Contains(msg, "database is locked"):
		return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}
	return err
}
