package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"speedtest-orchestrator/pkg/models"
)

type DB struct {
	*bun.DB
}

// NewDB connects with the database.* keys of the global viper instance.
func NewDB() (*DB, error) {
	return Open(viper.GetViper())
}

func Open(v *viper.Viper) (*DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(DSN(v))))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// DSN builds the postgres connection string from database.user, password,
// host, port, dbname and sslmode.
func DSN(v *viper.Viper) string {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		v.GetString("database.user"),
		v.GetString("database.password"),
		v.GetString("database.host"),
		v.GetInt("database.port"),
		v.GetString("database.dbname"),
		v.GetString("database.sslmode"),
	)
}

// InitSchema creates the necessary tables if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.Measurement)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create measurements table: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.Measurement)(nil)).
		Index("measurements_time_idx").
		Column("time").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create measurements index: %w", err)
	}

	return nil
}
