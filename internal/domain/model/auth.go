package model

// AuthType identifies how a Source's requests are authenticated.
type AuthType string

const (
	AuthTypeAWSS3             AuthType = "aws-s3"
	AuthTypeAWSS3PresignedURL AuthType = "aws-s3-presigned-url"
	AuthTypeBearer            AuthType = "bearer"
	AuthTypeBasic             AuthType = "basic"
	AuthTypeHeader            AuthType = "header"
	AuthTypeQuery             AuthType = "query"
	AuthTypeToken             AuthType = "token"
)

func (t AuthType) Valid() bool {
	switch t {
	case AuthTypeAWSS3, AuthTypeAWSS3PresignedURL, AuthTypeBearer, AuthTypeBasic,
		AuthTypeHeader, AuthTypeQuery, AuthTypeToken:
		return true
	default:
		return false
	}
}

// Auth is a tagged union over the supported auth schemes. Only the fields
// relevant to Type are populated; Fetcher/Signer dispatch on Type rather
// than testing pointer-niless (spec.md §9 "tagged variants over
// inheritance").
type Auth struct {
	Enabled bool     `json:"enabled"`
	Type    AuthType `json:"type"`

	// aws-s3 / aws-s3-presigned-url
	AccessKeyVar      string `json:"accessKeyVar,omitempty"`
	SecretKeyVar      string `json:"secretKeyVar,omitempty"`
	SessionTokenVar   string `json:"sessionTokenVar,omitempty"`
	Region            string `json:"region,omitempty"`
	Service           string `json:"service,omitempty"`
	ExpiresInSeconds  int    `json:"expiresInSeconds,omitempty"`

	// bearer / token
	TokenVar        string `json:"tokenVar,omitempty"`
	TokenHeaderName string `json:"tokenHeaderName,omitempty"`

	// header
	HeaderName string            `json:"headerName,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`

	// query
	Params map[string]string `json:"params,omitempty"`
}

// EffectiveRegion returns Region or the AWS default "us-east-1".
func (a Auth) EffectiveRegion() string {
	if a.Region != "" {
		return a.Region
	}
	return "us-east-1"
}

// EffectiveService returns Service or the default "s3".
func (a Auth) EffectiveService() string {
	if a.Service != "" {
		return a.Service
	}
	return "s3"
}

// EffectiveExpiry returns ExpiresInSeconds or the default 3600.
func (a Auth) EffectiveExpiry() int {
	if a.ExpiresInSeconds > 0 {
		return a.ExpiresInSeconds
	}
	return 3600
}
