// Package pipeline is the GitOps control loop: a push on a deployable
// branch becomes a run that builds images, publishes them, converges
// infrastructure, deploys a release through the orchestrator, and
// verifies the result.
//
// Runs move through a fixed stage machine (triggered, building,
// pushing, applying, awaiting_approval, deploying, verifying, then
// succeeded or failed) persisted in the sway_pipelines KV bucket.
// Branch mapping is fixed: main deploys staging, release/* branches
// and tagged pushes deploy production, everything else is ignored.
// Production runs hold at awaiting_approval until an operator decides;
// the approval carries onto the release so the gate is paid exactly
// once.
//
// Every stage transition is appended to the SWAY_AUDIT JetStream
// stream before the next stage starts. When the append fails the run
// stays where it is and Resume retries later; history gaps are worse
// than stalled runs. Pushes arrive over the /hooks/push webhook or the
// sway.pipeline.push subject, and runs execute on a small worker pool
// so a burst of pushes queues instead of fanning out.
package pipeline
