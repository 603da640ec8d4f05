// Package ratelimit gates agent actions with a minimum inter-action interval
// and a fixed one-minute window cap.
package ratelimit
