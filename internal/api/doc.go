// Package api exposes the crewd HTTP surface.
//
// # Topology
//
// Every worker process serves the same routes against the shared store.
// Two kinds of request care about which worker answers:
//
//   - Run endpoints. A run's event stream lives only in the worker
//     executing it. Watching a run is only possible on that worker;
//     steering works from anywhere, because a steer landing on the
//     wrong worker is written into the filesystem steering queue and
//     delivered by the owning worker's drain loop.
//
//   - Channel endpoints. Adapters are owned by the leader. A follower
//     reports assumed status and acknowledges restart requests with
//     202 instead of failing them.
//
// # Routes
//
//	GET    /health
//	GET    /api/v1/runs/{id}/events        SSE event stream
//	POST   /api/v1/runs/{id}/steer
//	POST   /api/v1/agents                  GET list, GET {id}
//	POST   /api/v1/bindings                GET list, GET/PUT/DELETE {id}
//	GET    /api/v1/bindings/{id}/messages
//	POST   /api/v1/tasks                   GET list, GET/PUT/DELETE {id}
//	POST   /api/v1/tasks/{id}/run          pause, resume
//	GET    /api/v1/tasks/{id}/logs
//	GET    /api/v1/channels/status
//	POST   /api/v1/channels/{key}/restart
//
// Schedule descriptors and trigger patterns are validated synchronously
// on the write path; a task or binding that stores successfully will not
// later fail to parse.
package api
