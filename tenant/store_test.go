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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "name", "tier", "features", "quotas", "active"}).
		AddRow("acme", "Acme Corp", "enterprise", "{sso,audit}", []byte(`{"requests_per_minute":600,"storage_gb":500}`), true)
	mock.ExpectQuery("SELECT id, name, tier, features, quotas, active").
		WithArgs("acme").
		WillReturnRows(rows)

	store := NewPostgresStoreWithDB(db)
	tc, err := store.Load(context.Background(), "acme")
	require.NoError(t, err)

	assert.Equal(t, "acme", tc.TenantID)
	assert.Equal(t, "enterprise", tc.Tier)
	assert.Equal(t, []string{"audit", "sso"}, tc.Features) // sorted
	assert.Equal(t, int64(600), tc.Quotas["requests_per_minute"])
	assert.True(t, tc.Active)
	assert.False(t, tc.LoadedAt.IsZero())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, tier, features, quotas, active").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "tier", "features", "quotas", "active"}))

	store := NewPostgresStoreWithDB(db)
	_, err = store.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreLoadEmptyQuotas(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "name", "tier", "features", "quotas", "active"}).
		AddRow("free1", "Freebie", "free", "{}", []byte(nil), true)
	mock.ExpectQuery("SELECT id, name, tier, features, quotas, active").
		WithArgs("free1").
		WillReturnRows(rows)

	store := NewPostgresStoreWithDB(db)
	tc, err := store.Load(context.Background(), "free1")
	require.NoError(t, err)
	assert.NotNil(t, tc.Quotas)
	assert.Empty(t, tc.Quotas)
}
