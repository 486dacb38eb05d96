package domain

// Identity is what the external identity provider knows about a subject.
type Identity struct {
	Login  string `json:"login"`
	Avatar string `json:"avatar,omitempty"`
}
