// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import "testing"

func TestSecretboxRoundTrip(t *testing.T) {
	var key [sessionKeyBytes]byte
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	sealed, err := secretboxSeal(nil, plaintext, &key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := secretboxOpen(nil, sealed, &key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", opened, plaintext)
	}
}

func TestSecretboxTamperDetected(t *testing.T) {
	var key [sessionKeyBytes]byte
	sealed, err := secretboxSeal(nil, []byte("hello"), &key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[0] ^= 0xFF
	if _, err := secretboxOpen(nil, sealed, &key); err == nil {
		t.Fatal("expected MAC failure on tampered ciphertext")
	}
}

func TestKxDeriveSessionKeysMirrorAcrossSides(t *testing.T) {
	clientKx, err := generateKxKeyPair()
	if err != nil {
		t.Fatalf("client kx: %v", err)
	}
	serverKx, err := generateKxKeyPair()
	if err != nil {
		t.Fatalf("server kx: %v", err)
	}

	clientSend, clientRecv, err := kxDeriveSessionKeys(kxRoleClient, clientKx, serverKx.public)
	if err != nil {
		t.Fatalf("client derive: %v", err)
	}
	serverSend, serverRecv, err := kxDeriveSessionKeys(kxRoleServer, serverKx, clientKx.public)
	if err != nil {
		t.Fatalf("server derive: %v", err)
	}

	if clientSend != serverRecv {
		t.Fatalf("client send key must equal server recv key")
	}
	if clientRecv != serverSend {
		t.Fatalf("client recv key must equal server send key")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := generateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	message := []byte("verify-connect public kx")
	sig := signMessage(kp.private, message)
	if err := verifySignature(kp.public, message, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSignVerifyTamperDetected(t *testing.T) {
	kp, err := generateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sig := signMessage(kp.private, []byte("original message"))
	if err := verifySignature(kp.public, []byte("tampered message"), sig); err == nil {
		t.Fatal("expected signature verification failure on tampered message")
	}
}
