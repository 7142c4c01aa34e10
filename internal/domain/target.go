package domain

import "fmt"

// Target is one tenant database receiving the script.
//
// CredentialsRef is resolved to connection credentials by a
// CredentialResolver each time a Target Worker connects (once per
// attempt); the result is not cached across attempts or jobs. The engine
// never handles secrets beyond that.
type Target struct {
	Host           string
	Port           int
	Database       string
	CredentialsRef string
}

// Key identifies a target uniquely within a job's target list.
func (t Target) Key() string {
	return fmt.Sprintf("%s:%d/%s", t.Host, t.Port, t.Database)
}

func (t Target) String() string {
	return t.Key()
}
