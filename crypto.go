// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Sizes matching crypto.h's libsodium contracts. XChaCha20-Poly1305 is
// used in place of plain secretbox because its 24-byte nonce and 16-byte
// tag give the same 40 bytes of per-payload overhead; the frame it
// produces is ciphertext ∥ mac(16) ∥ nonce(24), with the MAC ahead of
// the nonce. The teacher already depends on the same package for its
// own AEAD (device/keypair.go, noise-protocol.go).
const (
	secretboxNonceBytes = 24
	secretboxMACBytes   = 16
	sessionKeyBytes     = chacha20poly1305.KeySize

	kxPublicBytes  = 32
	kxPrivateBytes = 32

	signPublicBytes = ed25519.PublicKeySize
	signPrivateBytes = ed25519.PrivateKeySize
	signBytes        = ed25519.SignatureSize
)

// secretboxSeal returns ciphertext ∥ mac(16) ∥ nonce(24): the AEAD
// appends the MAC to the ciphertext and the nonce is appended after it,
// so the nonce does not sit between ciphertext and MAC. The nonce is
// drawn exactly once here (§9 open question: the source drew it twice).
func secretboxSeal(dst, plaintext []byte, key *[sessionKeyBytes]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, secretboxNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed := aead.Seal(dst, nonce, plaintext, nil)
	sealed = append(sealed, nonce...)
	return sealed, nil
}

// secretboxOpen reverses secretboxSeal: ciphertext is cipherWithTag ∥
// nonce(24), where cipherWithTag already carries the trailing 16-byte
// MAC that Seal appended. On MAC mismatch it returns ErrCryptoFailure,
// matching crypto_secretbox_open_detached's int return.
func secretboxOpen(dst, framed []byte, key *[sessionKeyBytes]byte) ([]byte, error) {
	if len(framed) < secretboxNonceBytes {
		return nil, ErrProtocolViolation
	}
	split := len(framed) - secretboxNonceBytes
	cipherWithTag := framed[:split]
	nonce := framed[split:]

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	plain, err := aead.Open(dst, nonce, cipherWithTag, nil)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return plain, nil
}

// kxKeyPair is an ephemeral X25519 keypair used only during the
// handshake, grounded on docs/demo/A_gen_key's curve25519.ScalarBaseMult
// call (the one place in the pack where a raw X25519 keypair is
// generated outside the Noise machinery).
type kxKeyPair struct {
	public  [kxPublicBytes]byte
	private [kxPrivateBytes]byte
}

func generateKxKeyPair() (kxKeyPair, error) {
	var kp kxKeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return kxKeyPair{}, err
	}
	curve25519.ScalarBaseMult(&kp.public, &kp.private)
	return kp, nil
}

// kxRole distinguishes which side of the handshake a session-key
// derivation runs as, so direction is explicit rather than inferred
// from call order (Design Notes §9, "session-key orientation").
type kxRole int

const (
	kxRoleClient kxRole = iota
	kxRoleServer
)

// kxDeriveSessionKeys computes (sendKey, recvKey) for one side of the
// handshake from its own ephemeral private key and the peer's public
// key. Mirrors the teacher's KDF2-over-a-shared-secret construction in
// noise-protocol.go's BeginSymmetricSession, generalized from the Noise
// chaining-key state to a single-shot X25519 shared secret.
func kxDeriveSessionKeys(role kxRole, own kxKeyPair, peerPublic [kxPublicBytes]byte) (sendKey, recvKey [sessionKeyBytes]byte, err error) {
	shared, err := curve25519.X25519(own.private[:], peerPublic[:])
	if err != nil {
		return sendKey, recvKey, ErrCryptoFailure
	}

	var clientToServer, serverToClient [sessionKeyBytes]byte
	kdf2(&clientToServer, &serverToClient, shared, []byte("secudp-kx"))

	if role == kxRoleClient {
		return clientToServer, serverToClient, nil
	}
	return serverToClient, clientToServer, nil
}

// kdf2 derives two independent 32-byte outputs from a secret and some
// context bytes using blake2s keyed-hash chaining, the same two-output
// shape as the teacher's noise-protocol.go KDF2 (itself HMAC-Blake2s
// per Noise's HKDF construction).
func kdf2(dst1, dst2 *[sessionKeyBytes]byte, secret, info []byte) {
	prk := hmacBlake2s(secret, info)
	t0 := hmacBlake2s(prk[:], []byte{0x01})
	copy(dst1[:], t0[:])
	t1 := hmacBlake2s(prk[:], append(append([]byte{}, t0[:]...), 0x02))
	copy(dst2[:], t1[:])
}

func hmacBlake2s(key, data []byte) [blake2s.Size]byte {
	newHash := func() hash.Hash { h, _ := blake2s.New256(nil); return h }
	mac := hmac.New(newHash, key)
	mac.Write(data)
	var out [blake2s.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// signingKeyPair is the host's long-term Ed25519 identity, used to sign
// (server) / verify (client) the ephemeral KX public key carried in
// VERIFY_CONNECT. crypto/ed25519 is used directly rather than a
// secretbox-style wrapper: no example repo in the pack binds libsodium's
// crypto_sign, and the stdlib package is the direct API-compatible
// substitute for crypto_sign_detached/crypto_sign_verify_detached (see
// DESIGN.md).
type signingKeyPair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func generateSigningKeyPair() (signingKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return signingKeyPair{}, err
	}
	return signingKeyPair{public: pub, private: priv}, nil
}

func signMessage(priv ed25519.PrivateKey, message []byte) [signBytes]byte {
	var sig [signBytes]byte
	copy(sig[:], ed25519.Sign(priv, message))
	return sig
}

func verifySignature(pub ed25519.PublicKey, message []byte, sig [signBytes]byte) error {
	if len(pub) != signPublicBytes {
		return errors.New("secudp: malformed signing public key")
	}
	if !ed25519.Verify(pub, message, sig[:]) {
		return ErrCryptoFailure
	}
	return nil
}
