// Package db owns the durable state: users, messages, relations and
// groups. Writes go to the primary; reads spread over replicas and fall
// back to the primary when none are configured.
package db

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

type Config struct {
	Driver Driver
	// DSN of the primary (write) database.
	DSN string
	// ReplicaDSNs are optional read replicas.
	ReplicaDSNs []string

	MaxOpenConns int
	MaxIdleConns int
}

// DB bundles the write handle and the read handles.
type DB struct {
	write    *gorm.DB
	replicas []*gorm.DB
}

func Open(cfg Config) (*DB, error) {
	write, err := open(cfg, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open primary: %w", err)
	}
	d := &DB{write: write}
	for _, dsn := range cfg.ReplicaDSNs {
		replica, err := open(cfg, dsn)
		if err != nil {
			return nil, fmt.Errorf("open replica %s: %w", dsn, err)
		}
		d.replicas = append(d.replicas, replica)
	}
	return d, nil
}

func open(cfg Config, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	// Recycle connections so dead ones are noticed at checkout.
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return gdb, nil
}

// AutoMigrate creates or updates the full schema on the primary.
func (d *DB) AutoMigrate() error {
	return d.write.AutoMigrate(
		&User{},
		&MessageBody{},
		&MessageIndex{},
		&Relation{},
		&FriendRequest{},
		&GroupRequest{},
		&Group{},
		&GroupMember{},
	)
}

// Write returns the primary handle.
func (d *DB) Write() *gorm.DB { return d.write }

// Read returns a randomly chosen replica handle, or the primary when no
// replicas are configured.
func (d *DB) Read() *gorm.DB {
	if len(d.replicas) == 0 {
		return d.write
	}
	return d.replicas[rand.Intn(len(d.replicas))]
}

func (d *DB) Close() error {
	for _, h := range append([]*gorm.DB{d.write}, d.replicas...) {
		if sqlDB, err := h.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return nil
}
