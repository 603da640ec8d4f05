// Package hosted controls externally owned agents: registration, start and
// stop, suspension and credential rotation. Together with the rate limiter it
// answers whether an agent may act right now.
package hosted
