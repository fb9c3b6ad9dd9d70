// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"strings"
	"testing"
)

func TestRSA_EncryptDecryptRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}

	enc := newPasswordEncrypter()
	ciphertext, err := enc.Encrypt(der, "hunter2")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	plaintext, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		t.Fatalf("DecryptOAEP() error = %v", err)
	}

	want := append([]byte("hunter2"), 0)
	if string(plaintext) != string(want) {
		t.Errorf("decrypted plaintext = %q, want %q", plaintext, want)
	}
}

func TestRSA_RejectsOversizedPassword(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}

	enc := newPasswordEncrypter()
	_, err = enc.Encrypt(der, strings.Repeat("a", maxPasswordLength+1))
	if err == nil {
		t.Fatal("Encrypt() should reject a password over maxPasswordLength")
	}
	if !IsSpiceError(err, ErrValidation) {
		t.Errorf("Encrypt() error should be ErrValidation, got %v", GetErrorCode(err))
	}
}

func TestRSA_RejectsMalformedPublicKey(t *testing.T) {
	enc := newPasswordEncrypter()
	_, err := enc.Encrypt([]byte("not a der-encoded key"), "hunter2")
	if err == nil {
		t.Fatal("Encrypt() should reject a malformed public key")
	}
	if !IsSpiceError(err, ErrAuthentication) {
		t.Errorf("Encrypt() error should be ErrAuthentication, got %v", GetErrorCode(err))
	}
}

func TestRSA_RejectsNilPublicKey(t *testing.T) {
	enc := newPasswordEncrypter()
	_, err := enc.Encrypt(nil, "hunter2")
	if err == nil {
		t.Fatal("Encrypt() should reject a nil public key")
	}
}
