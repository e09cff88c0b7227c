// Package audit defines the domain types, collaborator ports, and the typed
// error taxonomy shared by the score-extraction pipeline.
package audit
