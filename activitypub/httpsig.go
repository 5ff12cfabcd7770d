package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

// SignedHeaders are the headers a caller must attach to a signed request.
// Digest is empty when no body was signed.
type SignedHeaders struct {
	Signature string
	Date      string
	Digest    string
}

// MaxClockSkew bounds how far a signed Date may be from the local clock.
const MaxClockSkew = 12 * time.Hour

var (
	signedHeadersWithBody = []string{httpsig.RequestTarget, "host", "date", "digest"}
	signedHeadersNoBody   = []string{httpsig.RequestTarget, "host", "date"}
)

// Digest returns the value of the Digest header for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// Sign produces Signature, Date and Digest headers for a request. headers must
// carry Host; a Date already present in headers is reused.
func Sign(keyID string, key *rsa.PrivateKey, method, path string, headers http.Header, body []byte) (SignedHeaders, error) {
	if key == nil {
		return SignedHeaders{}, fmt.Errorf("sign: no private key")
	}
	req, err := canonicalRequest(method, path, headers)
	if err != nil {
		return SignedHeaders{}, err
	}
	if req.Header.Get("Host") == "" {
		return SignedHeaders{}, fmt.Errorf("sign: missing host header")
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	signed := signedHeadersNoBody
	if body != nil {
		req.Header.Set("Digest", Digest(body))
		signed = signedHeadersWithBody
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signed,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return SignedHeaders{}, fmt.Errorf("failed to create signer: %w", err)
	}
	// Digest is already set above, so the body is not handed to the signer.
	if err := signer.SignRequest(key, keyID, req, nil); err != nil {
		return SignedHeaders{}, fmt.Errorf("failed to sign request: %w", err)
	}

	return SignedHeaders{
		Signature: req.Header.Get("Signature"),
		Date:      req.Header.Get("Date"),
		Digest:    req.Header.Get("Digest"),
	}, nil
}

// Verify checks signatureHeader against the request described by the other
// arguments. The signing string is rebuilt from the header list declared in
// the signature itself. When body is non-nil a signed Digest matching it is
// required, and a signed Date must lie within MaxClockSkew of now. Any parse
// or crypto failure yields false.
func Verify(signatureHeader string, headers http.Header, pub *rsa.PublicKey, method, path string, body []byte) bool {
	if signatureHeader == "" || pub == nil {
		return false
	}
	req, err := canonicalRequest(method, path, headers)
	if err != nil {
		return false
	}
	req.Header.Del("Authorization")
	req.Header.Set("Signature", signatureHeader)

	params := parseSignatureParams(signatureHeader)
	if alg := strings.ToLower(params["algorithm"]); alg != "" && alg != "rsa-sha256" && alg != "hs2019" {
		return false
	}

	if list := params["headers"]; list == "" || headerListContains(list, "date") {
		if !dateWithinSkew(req.Header.Get("Date"), time.Now()) {
			return false
		}
	}

	if body != nil {
		if !headerListContains(params["headers"], "digest") {
			return false
		}
		if !digestMatches(req.Header.Get("Digest"), body) {
			return false
		}
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return false
	}
	return verifier.Verify(pub, httpsig.RSA_SHA256) == nil
}

// SignRequest signs an outgoing HTTP request in place.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	headers := req.Header.Clone()
	if headers.Get("Host") == "" {
		headers.Set("Host", req.URL.Host)
	}
	signed, err := Sign(keyId, privateKey, req.Method, req.URL.RequestURI(), headers, body)
	if err != nil {
		return err
	}
	req.Header.Set("Host", headers.Get("Host"))
	req.Header.Set("Date", signed.Date)
	if signed.Digest != "" {
		req.Header.Set("Digest", signed.Digest)
	}
	req.Header.Set("Signature", signed.Signature)
	return nil
}

// VerifyRequest verifies the HTTP signature on an incoming request.
// Returns the actor URI of the signing key if valid, error otherwise
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string) (string, error) {
	pub, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}
	sig := req.Header.Get("Signature")
	keyId := KeyIDFromSignature(sig)
	if keyId == "" {
		return "", fmt.Errorf("%w: no keyId", ErrSignatureInvalid)
	}

	headers := req.Header.Clone()
	if headers.Get("Host") == "" {
		headers.Set("Host", req.Host)
	}
	if !Verify(sig, headers, pub, req.Method, req.URL.RequestURI(), body) {
		return "", ErrSignatureInvalid
	}
	return ActorURIFromKeyID(keyId), nil
}

// KeyIDFromSignature extracts the keyId parameter of a Signature header.
func KeyIDFromSignature(header string) string {
	return parseSignatureParams(header)["keyId"]
}

// ActorURIFromKeyID strips the key fragment:
// "https://example.com/users/alice#main-key" -> "https://example.com/users/alice"
func ActorURIFromKeyID(keyId string) string {
	if i := strings.Index(keyId, "#"); i >= 0 {
		return keyId[:i]
	}
	return keyId
}

func canonicalRequest(method, path string, headers http.Header) (*http.Request, error) {
	if path == "" {
		path = "/"
	}
	u, err := url.ParseRequestURI(path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}
	req := &http.Request{
		Method: strings.ToUpper(method),
		URL:    &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery},
		Header: headers.Clone(),
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Host = req.Header.Get("Host")
	return req, nil
}

// parseSignatureParams splits `k1="v1",k2="v2"` permissively: unknown keys are
// kept, whitespace is tolerated and unquoted values are accepted.
func parseSignatureParams(header string) map[string]string {
	out := make(map[string]string)
	header = strings.TrimSpace(header)
	if strings.HasPrefix(header, "Signature ") {
		header = strings.TrimSpace(header[len("Signature "):])
	}
	for len(header) > 0 {
		eq := strings.IndexByte(header, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(header[:eq])
		rest := strings.TrimLeft(header[eq+1:], " ")
		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				val, rest = rest[1:], ""
			} else {
				val, rest = rest[1:end+1], rest[end+2:]
			}
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				val, rest = rest, ""
			} else {
				val, rest = rest[:end], rest[end:]
			}
		}
		out[key] = strings.TrimSpace(val)
		header = strings.TrimLeft(rest, ", ")
	}
	return out
}

func headerListContains(list, name string) bool {
	for _, h := range strings.Fields(strings.ToLower(list)) {
		if h == name {
			return true
		}
	}
	return false
}

// digestMatches accepts a Digest header that lists SHA-256 among possibly several algorithms.
func dateWithinSkew(date string, now time.Time) bool {
	t, err := http.ParseTime(date)
	if err != nil {
		return false
	}
	d := now.Sub(t)
	return d <= MaxClockSkew && d >= -MaxClockSkew
}

func digestMatches(header string, body []byte) bool {
	want := Digest(body)[len("SHA-256="):]
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		if strings.EqualFold(part[:eq], "SHA-256") {
			return subtle.ConstantTimeCompare([]byte(part[eq+1:]), []byte(want)) == 1
		}
	}
	return false
}

// ParsePrivateKey converts a PEM string (PKCS#1 or PKCS#8) to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts a PEM string (PKIX or PKCS#1) to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if rsaKey, err1 := x509.ParsePKCS1PublicKey(block.Bytes); err1 == nil {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
