package apple_notification

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const appleRootCAG3RootPem = `-----BEGIN CERTIFICATE-----
MIICQzCCAcmgAwIBAgIILcX8iNLFS5UwCgYIKoZIzj0EAwMwZzEbMBkGA1UEAwwS
QXBwbGUgUm9vdCBDQSAtIEczMSYwJAYDVQQLDB1BcHBsZSBDZXJ0aWZpY2F0aW9u
IEF1dGhvcml0eTETMBEGA1UECgwKQXBwbGUgSW5jLjELMAkGA1UEBhMCVVMwHhcN
MTQwNDMwMTgxOTA2WhcNMzkwNDMwMTgxOTA2WjBnMRswGQYDVQQDDBJBcHBsZSBS
b290IENBIC0gRzMxJjAkBgNVBAsMHUFwcGxlIENlcnRpZmljYXRpb24gQXV0aG9y
aXR5MRMwEQYDVQQKDApBcHBsZSBJbmMuMQswCQYDVQQGEwJVUzB2MBAGByqGSM49
AgEGBSuBBAAiA2IABJjpLz1AcqTtkyJygRMc3RCV8cWjTnHcFBbZDuWmBSp3ZHtf
TjjTuxxEtX/1H7YyYl3J6YRbTzBPEVoA/VhYDKX1DyxNB0cTddqXl5dvMVztK517
IDvYuVTZXpmkOlEKMaNCMEAwHQYDVR0OBBYEFLuw3qFYM4iapIqZ3r6966/ayySr
MA8GA1UdEwEB/wQFMAMBAf8wDgYDVR0PAQH/BAQDAgEGMAoGCCqGSM49BAMDA2gA
MGUCMQCD6cHEFl4aXTQY2e3v9GwOAEZLuN+yRhHFD/3meoyhpmvOwgPUnPWTxnS4
at+qIxUCMG1mihDK1A3UT82NQz60imOlM27jbdoXt2QfyFMm+YhidDkLF1vLUagM
6BgD56KyKA==
-----END CERTIFICATE-----`

// ErrInvalidSignedPayload wraps every decoding or verification failure.
var ErrInvalidSignedPayload = errors.New("invalid signed payload")

// Verifier checks that a JWS was signed by a leaf certificate chaining to the
// configured root.
type Verifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewVerifier trusts Apple Root CA - G3.
func NewVerifier() *Verifier {
	v, err := NewVerifierWithRoot([]byte(appleRootCAG3RootPem))
	if err != nil {
		panic(err)
	}
	return v
}

func NewVerifierWithRoot(rootPEM []byte) (*Verifier, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootPEM) {
		return nil, errors.New("root certificate couldn't be parsed")
	}
	return &Verifier{roots: roots, now: time.Now}, nil
}

// Parse verifies the outer payload and the nested transaction and renewal
// JWS values.
func (v *Verifier) Parse(signedPayload string) (*Notification, error) {
	payload := &NotificationPayload{}
	if err := v.parseJWS(signedPayload, payload); err != nil {
		return nil, fmt.Errorf("%w: notification: %v", ErrInvalidSignedPayload, err)
	}
	n := &Notification{Payload: payload}
	if n.IsTest() || payload.Data.SignedTransactionInfo == "" {
		return n, nil
	}

	txn := &TransactionInfo{}
	if err := v.parseJWS(payload.Data.SignedTransactionInfo, txn); err != nil {
		return nil, fmt.Errorf("%w: transaction info: %v", ErrInvalidSignedPayload, err)
	}
	n.TransactionInfo = txn

	if payload.Data.SignedRenewalInfo != "" {
		renewal := &RenewalInfo{}
		if err := v.parseJWS(payload.Data.SignedRenewalInfo, renewal); err != nil {
			return nil, fmt.Errorf("%w: renewal info: %v", ErrInvalidSignedPayload, err)
		}
		n.RenewalInfo = renewal
	}
	return n, nil
}

func (v *Verifier) parseJWS(token string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.leafKey(token)
	})
	return err
}

// leafKey verifies the x5c chain from the JWS header and returns the leaf key.
func (v *Verifier) leafKey(token string) (*ecdsa.PublicKey, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("token must have three segments")
	}
	raw, err := jwt.DecodeSegment(parts[0])
	if err != nil {
		return nil, err
	}
	var header NotificationHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, err
	}
	if len(header.X5c) < 2 {
		return nil, errors.New("x5c header must carry leaf and intermediate certificates")
	}

	certs := make([]*x509.Certificate, 0, len(header.X5c))
	for i, enc := range header.X5c {
		der, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return nil, err
	}

	pk, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("appstore public key must be of type ecdsa.PublicKey")
	}
	return pk, nil
}
