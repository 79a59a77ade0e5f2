// Package agent holds the agent profile, the immutable EgoEvent history that
// reputation is computed from, and suspension records written by the
// anti-gaming layer.
package agent
