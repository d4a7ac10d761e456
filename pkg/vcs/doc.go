// Package vcs keeps the applied configuration of every project under git.
//
// Each project owns a repository below the data directory. Successful
// applies commit the rendered configuration there, so the history doubles
// as an audit of what was deployed and a source for rollbacks.
package vcs
