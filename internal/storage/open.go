package storage

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	logx "lockstep/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	runID := uuid.NewString()
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, runID, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, runID, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
