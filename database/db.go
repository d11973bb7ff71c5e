package database

import (
	"database/sql"
	"log"
	"sync"

	"github.com/fluxsync/fluxsync/cache"
	"github.com/fluxsync/fluxsync/config"
)

var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		ca, errCache := cache.NewCache()
		if errCache != nil {
			log.Printf("cache unavailable, lookups fall through to the database: %v", errCache)
		}
		instance = &Datasource{Conn: con, Cache: ca}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createTenantTable(db)
	if err != nil {
		return nil, err
	}
	err = createEventTable(db)
	if err != nil {
		return nil, err
	}
	err = createSyncConfigurationTable(db)
	if err != nil {
		return nil, err
	}
	err = createSyncLogTable(db)
	if err != nil {
		return nil, err
	}
	err = createConflictResolutionTable(db)
	if err != nil {
		return nil, err
	}
	err = createInternalRecordTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createEventTable creates a PostgreSQL table for the EventRecord struct.
// The unique index on idempotency_hash is what makes insert-or-detect
// race free under concurrent deliveries.
func createEventTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id SERIAL PRIMARY KEY,
			event_record_id TEXT NOT NULL UNIQUE,
			idempotency_hash TEXT NOT NULL UNIQUE,
			event_id TEXT NOT NULL,
			source TEXT NOT NULL,
			event_type TEXT NOT NULL,
			tenant_id TEXT,
			payload JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INT NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			last_attempted_at TIMESTAMP,
			completed_at TIMESTAMP,
			archived_at TIMESTAMP
		)
	`)
	log.Println(err)
	return err
}

// createSyncConfigurationTable creates a PostgreSQL table for the SyncConfiguration struct
func createSyncConfigurationTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_configurations (
			id SERIAL PRIMARY KEY,
			config_id TEXT NOT NULL UNIQUE,
			organization_id TEXT NOT NULL,
			service_name TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound', 'bidirectional')),
			frequency TEXT NOT NULL CHECK (frequency IN ('real_time', 'every_5_min', 'hourly', 'daily')),
			conflict_strategy TEXT NOT NULL CHECK (conflict_strategy IN ('external_wins', 'internal_wins', 'latest_timestamp', 'manual_review')),
			field_mappings JSONB,
			filters JSONB,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_sync_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP,
			UNIQUE (organization_id, service_name, entity_type)
		)
	`)
	log.Println(err)
	return err
}

// createSyncLogTable creates a PostgreSQL table for the SyncLog struct
func createSyncLogTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_logs (
			id SERIAL PRIMARY KEY,
			log_id TEXT NOT NULL UNIQUE,
			organization_id TEXT NOT NULL,
			service_name TEXT NOT NULL,
			status TEXT NOT NULL,
			records_processed INT NOT NULL DEFAULT 0,
			records_synced INT NOT NULL DEFAULT 0,
			records_failed INT NOT NULL DEFAULT 0,
			conflicts_detected INT NOT NULL DEFAULT 0,
			conflicts_resolved INT NOT NULL DEFAULT 0,
			execution_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			errors JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createConflictResolutionTable creates a PostgreSQL table for the ConflictResolution struct
func createConflictResolutionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conflict_resolutions (
			id SERIAL PRIMARY KEY,
			conflict_id TEXT NOT NULL UNIQUE,
			organization_id TEXT NOT NULL,
			service_name TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			internal_id TEXT,
			external_id TEXT NOT NULL,
			internal_data JSONB,
			external_data JSONB,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'resolved', 'ignored')),
			resolution_strategy TEXT,
			resolved_by TEXT,
			resolved_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createInternalRecordTable creates a PostgreSQL table for the InternalRecord struct
func createInternalRecordTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS internal_records (
			id SERIAL PRIMARY KEY,
			record_id TEXT NOT NULL UNIQUE,
			organization_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			external_id TEXT,
			data JSONB NOT NULL,
			checksum TEXT NOT NULL,
			last_modified TIMESTAMP NOT NULL DEFAULT NOW(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (organization_id, entity_type, external_id)
		)
	`)
	log.Println(err)
	return err
}

func createTenantTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tenants (
			id SERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}
