package db

import (
	"fmt"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the send-attempt log store.
// DSN example: clickhouse://default:@localhost:9000/campgw?dial_timeout=5s&compress=true
func NewClickHouseConnection(dsn string, opts PoolOpts) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty ClickHouse DSN")
	}
	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, err
	}

	applyPool(db, opts)

	if err := pingWithTimeout(db, opts.PingTimeout); err != nil {
		return nil, err
	}

	return db, nil
}
