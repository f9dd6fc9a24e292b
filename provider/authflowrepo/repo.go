package authflowrepo

import "time"

// AuthFlowState is everything needed to finish an authorization code flow when the
// provider redirects back with the state parameter.
type AuthFlowState struct {
	CodeVerifier string
	Nonce        string
	ReturnURL    string
	Silent       bool
	CreatedAt    time.Time
}

type Repo interface {
	Upsert(state string, authState *AuthFlowState) error
	Get(state string) (*AuthFlowState, error)
	Delete(state string) error
	// PurgeOlderThan drops flows that were never completed and returns how many were removed.
	PurgeOlderThan(cutoff time.Time) int
}
