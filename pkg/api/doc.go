/*
Package api exposes burrow over HTTP and serves the gRPC health protocol.

The HTTP API is a thin adapter over the registry, item store and
migration engine. Routes are registered on a gorilla/mux router:

	GET    /health                                 liveness
	GET    /ready                                  readiness (503 when a check fails)
	GET    /metrics                                Prometheus metrics
	GET    /events                                 server-sent events (?prefix=migration.)

	POST   /schemas                                register a schema
	GET    /schemas                                list schemas
	GET    /schemas/{id}                           look up by table name or alias
	PATCH  /schemas/{name}                         update alias or fields
	DELETE /schemas/{name}                         unregister

	GET    /tables                                 list tables
	DELETE /tables/{name}                          drop a data table
	POST   /tables/{name}/rename                   rename a table
	POST   /tables/{name}/fields/{field}/rename    rename a field

	POST   /tables/{name}/records                  add a record
	GET    /tables/{name}/records                  list records (?limit=N)
	GET    /tables/{name}/records/{id}             get a record
	PATCH  /tables/{name}/records/{id}             merge fields into a record
	DELETE /tables/{name}/records/{id}             delete a record

	GET    /migrations                             list migrations
	GET    /migrations/{kind}/{table}              get a migration
	POST   /migrations/{kind}/{table}/resume       resume an unfinished migration
	POST   /migrations/{kind}/{table}/rollback     abandon an unfinished migration

Table references in table, field and record routes may be a table name
or a registered alias. Errors are returned as {"error": "..."} with the
status chosen by errdefs.HTTPStatus; a table locked by a migration
answers 423.

Rename routes run the migration to completion before responding, so a
large table keeps the request open for the duration of the copy.

HealthService serves grpc.health.v1.Health. It starts NOT_SERVING and is
switched by a health.Monitor running ReadinessChecks.
*/
package api
