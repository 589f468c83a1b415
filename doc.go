// Package sway is the deployment orchestration and federation control
// plane for the MindMirror platform.
//
// MindMirror runs as a set of independently deployable GraphQL
// services behind a single federating gateway. Sway is the control
// plane that keeps that arrangement coherent: it tracks which services
// exist, rolls new versions out in two phases, composes the federated
// supergraph from live subgraph schemas, and drives the delivery
// pipeline from git push to verified production deploy.
//
// # Two-phase deployment
//
// A release never touches the gateway and the services at the same
// time. Phase one deploys each service version and records the URL it
// lands on. Phase two introspects the deployed subgraphs, composes a
// new supergraph, persists it, and only then rolls the gateway onto
// it. A failure in either phase rolls the release back; the gateway
// keeps serving the previous supergraph throughout.
//
// # Layout
//
// Domain packages:
//   - platform: shared domain types (releases, deployments, service
//     specs, environments)
//   - registry: the service catalog, backed by a NATS KV bucket
//   - releasestore, artifactstore: release state and composed
//     supergraph artifacts
//   - orchestrator: the two-phase deployment driver
//   - supergraph: subgraph introspection and composition
//   - gateway: the runtime GraphQL gateway serving the composed schema
//   - pipeline: the GitOps state machine with production approval
//     gates
//   - healthcheck, secrets, events, notify, advisor: health probing,
//     secret resolution, event fan-out, notifications, and deploy
//     advice
//
// Infrastructure packages:
//   - service: the component lifecycle manager every long-running
//     piece registers with
//   - natsclient, config, errors, metric: connection management,
//     layered configuration, classified errors, Prometheus metrics
//   - pkg/...: reusable buffers, caches, retry, worker pools, and TLS
//     helpers
//
// Binaries live under cmd/: swayd (the control-plane daemon), sway
// (the operator CLI), e2e (platform smoke scenarios), and
// supergraph-exporter.
package sway
