// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
)

// PasswordEncrypter is the external collaborator spec.md §1/§6 calls out:
// a function that takes a DER-encoded RSA public key plus a cleartext
// password and yields a ciphertext blob. It is kept behind an interface,
// grounded on the teacher's pluggable crypto collaborator shape in
// security.go (SecureDESCipher), so tests can substitute a fake encrypter
// without a real keypair.
type PasswordEncrypter interface {
	Encrypt(derPublicKey []byte, password string) ([]byte, error)
}

// rsaOAEPEncrypter is the default PasswordEncrypter: RSA-OAEP-SHA1 against
// an x509-DER-encoded public key, per spec.md §4.3/§6. No library in the
// retrieval pack offers an alternative RSA-OAEP implementation
// (DESIGN.md "RSA-OAEP password encryption"), so this is the one ambient
// crypto concern implemented directly on the standard library.
type rsaOAEPEncrypter struct{}

// newPasswordEncrypter returns the default stdlib RSA-OAEP-SHA1 encrypter.
func newPasswordEncrypter() PasswordEncrypter {
	return rsaOAEPEncrypter{}
}

// Encrypt parses derPublicKey as an x509-DER-encoded RSA public key and
// encrypts password under RSA-OAEP-SHA1. The password is capped at
// maxPasswordLength bytes plus a NUL terminator per spec.md §6.
func (rsaOAEPEncrypter) Encrypt(derPublicKey []byte, password string) ([]byte, error) {
	if len(password) > maxPasswordLength {
		return nil, validationError("rsaOAEPEncrypter.Encrypt",
			"password exceeds maximum length", nil)
	}

	pub, err := x509.ParsePKIXPublicKey(derPublicKey)
	if err != nil {
		return nil, authenticationError("rsaOAEPEncrypter.Encrypt",
			"failed to parse server public key", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, authenticationError("rsaOAEPEncrypter.Encrypt",
			"server public key is not RSA", nil)
	}

	plaintext := append([]byte(password), 0)

	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, rsaPub, plaintext, nil)
	if err != nil {
		return nil, authenticationError("rsaOAEPEncrypter.Encrypt",
			"RSA-OAEP encryption failed", err)
	}

	return ciphertext, nil
}
