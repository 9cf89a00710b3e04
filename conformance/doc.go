// Package conformance is an executable test suite for streamable transport
// endpoints. It bundles a conforming reference client, a fixture server
// exercising every transport behavior, and a registry of named scenarios
// that probe the properties an endpoint must uphold: session isolation under
// colliding request IDs, per-stream notification routing, checkpointed
// resumption without loss or duplication, retry-interval discipline, replay
// gap rejection, and lifecycle status codes.
//
// Running the suite
//
//	env := &conformance.Env{BaseURL: "http://localhost:8080/mcp"}
//	if err := conformance.Run(ctx, t, env); err != nil {
//	    // per-scenario failures were already reported through t
//	}
//
// When Env.BaseURL is empty each scenario provisions an in-process reference
// deployment; a custom Env.StartServer factory lets embedders provision
// deployments their own way (containers, remote hosts) while still serving
// the scenarios that need non-default configurations.
//
// Endpoints under external test must expose the fixture method set served by
// NewServer; NewServer itself is a complete, instrumented implementation of
// that contract over the streamable package.
//
// Timing-sensitive scenarios express durations as multiples of Env.Tick so
// embedders can trade runtime for scheduling headroom.
package conformance
