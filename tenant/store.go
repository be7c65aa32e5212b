// Copyright 2025 Stratus
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned by Store implementations when no tenant record
// exists for the given ID.
var ErrNotFound = fmt.Errorf("tenant not found")

// Store loads tenant directory records from the authoritative source
type Store interface {
	Load(ctx context.Context, tenantID string) (*Context, error)
}

// PostgresStore reads the tenant directory from PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings a connection to the tenant directory
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant directory: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping tenant directory: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection pool (used in tests)
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load fetches a single tenant record. Quotas are stored as JSONB,
// features as a text array.
func (s *PostgresStore) Load(ctx context.Context, tenantID string) (*Context, error) {
	query := `
		SELECT id, name, tier, features, quotas, active
		FROM tenants
		WHERE id = $1`

	var (
		tc        Context
		features  pq.StringArray
		quotasRaw []byte
	)

	row := s.db.QueryRowContext(ctx, query, tenantID)
	if err := row.Scan(&tc.TenantID, &tc.Name, &tc.Tier, &features, &quotasRaw, &tc.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}

	tc.Features = []string(features)
	tc.Quotas = map[string]int64{}
	if len(quotasRaw) > 0 {
		if err := json.Unmarshal(quotasRaw, &tc.Quotas); err != nil {
			return nil, fmt.Errorf("failed to decode quotas for tenant %s: %w", tenantID, err)
		}
	}
	tc.LoadedAt = time.Now()
	tc.Normalize()

	return &tc, nil
}

// Close releases the directory connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// StaticStore serves a fixed tenant directory from memory. It backs
// development mode and tests where no database is available.
type StaticStore struct {
	tenants map[string]Context
}

// NewStaticStore builds a store from a fixed set of tenant records
func NewStaticStore(tenants ...Context) *StaticStore {
	m := make(map[string]Context, len(tenants))
	for _, t := range tenants {
		t.Normalize()
		m[t.TenantID] = t
	}
	return &StaticStore{tenants: m}
}

// Load returns a copy of the static record for tenantID
func (s *StaticStore) Load(_ context.Context, tenantID string) (*Context, error) {
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	t.LoadedAt = time.Now()
	return &t, nil
}
