// Package agent holds the trading agent model and the roster the scheduler
// iterates each tick. Agents are added on population top-up or join and are
// never removed while the engine runs.
package agent
