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

package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratus/gateway/shared/apierror"
)

func TestServiceClientCircuitOpensOnRepeatedServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewServiceClient([]ServiceConfig{{Name: "user", BaseURL: srv.URL}})

	// Three retried attempts, all failing
	_, err := c.Do(context.Background(), "user", http.MethodGet, "/users/u1", nil, "acme", "r1")
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	// The fifth consecutive failure opens the circuit mid-call
	_, err = c.Do(context.Background(), "user", http.MethodGet, "/users/u1", nil, "acme", "r2")
	require.Error(t, err)
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))

	// Open circuit: the request never reaches the service
	_, err = c.Do(context.Background(), "user", http.MethodGet, "/users/u1", nil, "acme", "r3")
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.CodeUpstream))
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))
}

func TestServiceClientClientErrorsLeaveCircuitClosed(t *testing.T) {
	var status int32 = http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(atomic.LoadInt32(&status))
		if code != http.StatusOK {
			http.Error(w, "nope", code)
			return
		}
		w.Write([]byte(`{"id":"u1"}`))
	}))
	defer srv.Close()

	c := NewServiceClient([]ServiceConfig{{Name: "user", BaseURL: srv.URL}})

	for i := 0; i < 6; i++ {
		_, err := c.Do(context.Background(), "user", http.MethodGet, "/users/u1", nil, "acme", "r1")
		require.Error(t, err)
		assert.True(t, apierror.IsCode(err, apierror.CodeNotFound))
	}

	// 4xx are the caller's problem, not service health; calls still flow
	atomic.StoreInt32(&status, http.StatusOK)
	out, err := c.Do(context.Background(), "user", http.MethodGet, "/users/u1", nil, "acme", "r2")
	require.NoError(t, err)
	assert.Equal(t, "u1", out.(map[string]interface{})["id"])
}
