// Package appletest signs App Store style JWS payloads with a throwaway
// certificate chain so verification can be exercised in tests.
package appletest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
)

type Signer struct {
	RootPEM []byte
	leafKey *ecdsa.PrivateKey
	x5c     []string
}

type certSpec struct {
	name   string
	isCA   bool
	parent *x509.Certificate
	signer *ecdsa.PrivateKey
}

func NewSigner(t testing.TB) *Signer {
	t.Helper()
	rootKey, root, rootDER := issue(t, certSpec{name: "Test Root CA", isCA: true})
	interKey, inter, interDER := issue(t, certSpec{name: "Test Intermediate", isCA: true, parent: root, signer: rootKey})
	leafKey, _, leafDER := issue(t, certSpec{name: "Test Leaf", parent: inter, signer: interKey})

	return &Signer{
		RootPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER}),
		leafKey: leafKey,
		x5c: []string{
			base64.StdEncoding.EncodeToString(leafDER),
			base64.StdEncoding.EncodeToString(interDER),
			base64.StdEncoding.EncodeToString(rootDER),
		},
	}
}

// Sign returns claims as an ES256 JWS carrying the x5c chain.
func (s *Signer) Sign(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["x5c"] = s.x5c
	out, err := tok.SignedString(s.leafKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return out
}

func issue(t testing.TB, spec certSpec) (*ecdsa.PrivateKey, *x509.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: spec.name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  spec.isCA,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if spec.isCA {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	parent, signer := tmpl, key
	if spec.parent != nil {
		parent, signer = spec.parent, spec.signer
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return key, cert, der
}
