// Copyright 2025 Stratus
// SPDX-License-Identifier: Apache-2.0
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for the Stratus Gateway service.
//
// The Gateway is the single entry point for a multi-tenant SaaS backend:
// - Resolves and enforces the tenant isolation boundary
// - Routes API operations to downstream services or workflow executions
// - Tracks long-running operations through the workflow engine
// - Serves aggregated dashboard reads in one round trip
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL tenant directory connection string
//	REDIS_URL - Redis URL for shared caches and rate limiting
//	TEMPORAL_HOSTPORT - Workflow engine endpoint
//	JWT_SECRET - Secret for reading identity token claims
package main

import (
	"log"

	"stratus/gateway/gateway"
)

func main() {
	if err := gateway.Run(); err != nil {
		log.Fatalf("[Gateway] fatal: %v", err)
	}
}
