package identity

// Profile is the public, user-editable part of an identity.
type Profile struct {
	Name       string `json:"name"`
	PictureURL string `json:"pictureUrl"`
}

// Identity is the server's view of a registered DID.
type Identity struct {
	DID            string `json:"did"`
	Name           string `json:"name"`
	PictureURL     string `json:"pictureUrl"`
	InstanceURL    string `json:"instanceUrl"`
	InstanceStatus string `json:"instanceStatus"`
	IsAdmin        bool   `json:"isAdmin"`
}

// Status is the answer of the "is this DID active" endpoint.
type Status struct {
	IsActive       bool   `json:"isActive"`
	InstanceStatus string `json:"instanceStatus"`
}

type registerRequest struct {
	DID       string  `json:"did"`
	Nonce     string  `json:"nonce"`
	Timestamp string  `json:"timestamp"`
	Signature string  `json:"signature"`
	Profile   Profile `json:"profile"`
	ClaimCode string  `json:"claimCode,omitempty"`
}

type updateRequest struct {
	Name       string `json:"name"`
	PictureURL string `json:"pictureUrl"`
	Nonce      string `json:"nonce"`
	Timestamp  string `json:"timestamp"`
	Signature  string `json:"signature"`
}

type identityResponse struct {
	Identity Identity `json:"identity"`
	Token    string   `json:"token,omitempty"`
}
