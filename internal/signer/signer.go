// Package signer implements the Credential & Signer (C3, spec.md §4.3):
// applying an Auth descriptor to an outgoing request, either as headers
// (SignHeaders) or as a presigned query string (PresignURL). The AWS SigV4
// math mirrors a verifying S3-compatible server's canonical-request
// construction, inverted here to produce a signature instead of checking
// one.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hszk-dev/gostream/internal/domain/apperr"
	"github.com/hszk-dev/gostream/internal/domain/model"
)

// EnvLookup resolves an environment variable by name; tests substitute a
// fake map instead of the real process environment.
type EnvLookup func(key string) (string, bool)

// OSEnv looks up variables in the real process environment.
func OSEnv(key string) (string, bool) { return os.LookupEnv(key) }

// Signer applies Auth descriptors to outgoing requests.
type Signer struct {
	env   EnvLookup
	clock func() time.Time
}

// New creates a Signer. env defaults to OSEnv and clock to time.Now when
// nil, so production callers can use signer.New(nil, nil).
func New(env EnvLookup, clock func() time.Time) *Signer {
	if env == nil {
		env = OSEnv
	}
	if clock == nil {
		clock = time.Now
	}
	return &Signer{env: env, clock: clock}
}

func (s *Signer) lookup(path, varName string) (string, error) {
	if varName == "" {
		return "", apperr.New(apperr.KindAuthMisconfig, "missing env var name").WithContext("field", path)
	}
	v, ok := s.env(varName)
	if !ok || v == "" {
		return "", apperr.New(apperr.KindAuthMisconfig, fmt.Sprintf("missing credential env var %q", varName)).
			WithContext("field", path)
	}
	return v, nil
}

// SignHeaders applies a header-style Auth to req in place and returns it,
// per spec.md §4.3. aws-s3-presigned-url is a query-style auth and is
// rejected here; use PresignURL instead.
func (s *Signer) SignHeaders(req *http.Request, auth *model.Auth) (*http.Request, error) {
	if auth == nil || !auth.Enabled {
		return req, nil
	}
	switch auth.Type {
	case model.AuthTypeAWSS3:
		return s.signAWSHeaders(req, auth)
	case model.AuthTypeBearer:
		tok, err := s.lookup("auth.tokenVar", auth.TokenVar)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		return req, nil
	case model.AuthTypeBasic:
		user, err := s.lookup("auth.accessKeyVar", auth.AccessKeyVar)
		if err != nil {
			return nil, err
		}
		pass, err := s.lookup("auth.secretKeyVar", auth.SecretKeyVar)
		if err != nil {
			return nil, err
		}
		creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.Header.Set("Authorization", "Basic "+creds)
		return req, nil
	case model.AuthTypeHeader:
		for name, varName := range auth.Headers {
			v, err := s.lookup("auth.headers."+name, varName)
			if err != nil {
				return nil, err
			}
			req.Header.Set(name, v)
		}
		return req, nil
	case model.AuthTypeToken:
		tok, err := s.lookup("auth.tokenVar", auth.TokenVar)
		if err != nil {
			return nil, err
		}
		headerName := auth.TokenHeaderName
		if headerName == "" {
			headerName = "Authorization"
		}
		req.Header.Set(headerName, tok)
		return req, nil
	case model.AuthTypeQuery:
		return nil, apperr.New(apperr.KindAuthMisconfig, "query auth requires PresignURL, not SignHeaders")
	case model.AuthTypeAWSS3PresignedURL:
		return nil, apperr.New(apperr.KindAuthMisconfig, "aws-s3-presigned-url requires PresignURL, not SignHeaders")
	default:
		return nil, apperr.New(apperr.KindAuthMisconfig, fmt.Sprintf("unsupported auth type %q", auth.Type))
	}
}

// PresignURL produces a signed URL for query-style Auth types (spec.md
// §4.3): aws-s3-presigned-url and query.
func (s *Signer) PresignURL(req *http.Request, auth *model.Auth) (string, error) {
	if auth == nil || !auth.Enabled {
		return req.URL.String(), nil
	}
	switch auth.Type {
	case model.AuthTypeAWSS3PresignedURL:
		return s.presignAWS(req, auth)
	case model.AuthTypeQuery:
		q := req.URL.Query()
		for param, varName := range auth.Params {
			v, err := s.lookup("auth.params."+param, varName)
			if err != nil {
				return "", err
			}
			q.Set(param, v)
		}
		u := *req.URL
		u.RawQuery = q.Encode()
		return u.String(), nil
	default:
		return "", apperr.New(apperr.KindAuthMisconfig, fmt.Sprintf("unsupported presign auth type %q", auth.Type))
	}
}

const emptyBodySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// signAWSHeaders implements aws-s3 header signing: canonical request over
// method/path/query/headers, derived signing key, Authorization header.
func (s *Signer) signAWSHeaders(req *http.Request, auth *model.Auth) (*http.Request, error) {
	accessKey, err := s.lookup("auth.accessKeyVar", auth.AccessKeyVar)
	if err != nil {
		return nil, err
	}
	secretKey, err := s.lookup("auth.secretKeyVar", auth.SecretKeyVar)
	if err != nil {
		return nil, err
	}
	var sessionToken string
	if auth.SessionTokenVar != "" {
		sessionToken, err = s.lookup("auth.sessionTokenVar", auth.SessionTokenVar)
		if err != nil {
			return nil, err
		}
	}

	now := s.clock().UTC()
	amzDate := now.Format("20060102T150405Z")
	shortDate := now.Format("20060102")
	region := auth.EffectiveRegion()
	service := auth.EffectiveService()

	payloadHash := emptyBodySHA256
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	if req.Host == "" && req.URL.Host != "" {
		req.Host = req.URL.Host
	}
	if sessionToken != "" {
		req.Header.Set("x-amz-security-token", sessionToken)
	}

	signedHeaderNames := signedHeaderList(req, sessionToken != "")
	canonicalReq := buildCanonicalRequest(req, signedHeaderNames, payloadHash)
	credentialScope := shortDate + "/" + region + "/" + service + "/aws4_request"
	stringToSign := buildStringToSign(amzDate, credentialScope, canonicalReq)
	signingKey := deriveSigningKey(secretKey, shortDate, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	authHeader := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, credentialScope, strings.Join(signedHeaderNames, ";"), signature,
	)
	req.Header.Set("authorization", authHeader)
	return req, nil
}

// presignAWS implements aws-s3-presigned-url: the signature lives in the
// query string instead of a header.
func (s *Signer) presignAWS(req *http.Request, auth *model.Auth) (string, error) {
	accessKey, err := s.lookup("auth.accessKeyVar", auth.AccessKeyVar)
	if err != nil {
		return "", err
	}
	secretKey, err := s.lookup("auth.secretKeyVar", auth.SecretKeyVar)
	if err != nil {
		return "", err
	}

	now := s.clock().UTC()
	amzDate := now.Format("20060102T150405Z")
	shortDate := now.Format("20060102")
	region := auth.EffectiveRegion()
	service := auth.EffectiveService()
	credentialScope := shortDate + "/" + region + "/" + service + "/aws4_request"

	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	q := u.Query()
	q.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	q.Set("X-Amz-Credential", accessKey+"/"+credentialScope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.Itoa(auth.EffectiveExpiry()))
	q.Set("X-Amz-SignedHeaders", "host")
	u.RawQuery = q.Encode()

	signReq := req.Clone(req.Context())
	signReq.URL = &u
	signReq.Host = u.Host
	canonicalReq := buildCanonicalRequest(signReq, []string{"host"}, "UNSIGNED-PAYLOAD")
	stringToSign := buildStringToSign(amzDate, credentialScope, canonicalReq)
	signingKey := deriveSigningKey(secretKey, shortDate, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	q.Set("X-Amz-Signature", signature)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func signedHeaderList(req *http.Request, hasSessionToken bool) []string {
	headers := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	if hasSessionToken {
		headers = append(headers, "x-amz-security-token")
	}
	sort.Strings(headers)
	return headers
}

func buildCanonicalRequest(req *http.Request, signedHeaders []string, payloadHash string) string {
	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	canonicalHeaders := buildCanonicalHeaders(req, signedHeaders)
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(canonicalQueryString(req.URL.Query()))
	b.WriteByte('\n')
	b.WriteString(canonicalHeaders)
	b.WriteByte('\n')
	b.WriteString(strings.Join(signedHeaders, ";"))
	b.WriteByte('\n')
	b.WriteString(payloadHash)
	return b.String()
}

func canonicalQueryString(q url.Values) string {
	var pairs []string
	for key, values := range q {
		for _, v := range values {
			pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

func buildCanonicalHeaders(req *http.Request, signedHeaders []string) string {
	values := make(map[string]string, len(signedHeaders))
	for k, v := range req.Header {
		values[strings.ToLower(k)] = strings.Join(v, ",")
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	values["host"] = host

	var lines []string
	for _, h := range signedHeaders {
		lines = append(lines, h+":"+strings.TrimSpace(values[h]))
	}
	return strings.Join(lines, "\n") + "\n"
}

func buildStringToSign(amzDate, credentialScope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hex.EncodeToString(hash[:]),
	}, "\n")
}

func deriveSigningKey(secret, shortDate, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(shortDate))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}
