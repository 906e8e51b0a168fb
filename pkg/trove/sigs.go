// Copyright (C) 2021 Toitware ApS.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package trove

import (
	"crypto/ed25519"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/toitlang/trove/pkg/digest"
	"github.com/toitlang/trove/pkg/errs"
	"github.com/toitlang/trove/pkg/streams"
)

// Trust levels of a key.
const (
	TrustUntrusted = 0
	TrustMarginal  = 64
	TrustFull      = 128
	TrustUltimate  = 255
)

// DigitalSignature is a signature of the trove digest.
type DigitalSignature struct {
	streams.Extra
	Fingerprint streams.String
	Signature   streams.String
	Timestamp   streams.Int
}

func (s *DigitalSignature) Fields() []streams.Field {
	return []streams.Field{
		{Tag: 0, Size: streams.Small, Name: "fingerprint", Stream: &s.Fingerprint},
		{Tag: 1, Size: streams.Small, Name: "signature", Stream: &s.Signature},
		{Tag: 2, Size: streams.Small, Name: "timestamp", Stream: &s.Timestamp},
	}
}

// Signatures holds the trove digest and the digital signatures over it.
// Signatures may be added over time, so the stream is always transferred
// whole.
type Signatures struct {
	sha1    digest.Sha1
	digital []*DigitalSignature
}

// Digest returns the stored trove digest.
func (s *Signatures) Digest() digest.Sha1 { return s.sha1 }

// Digital returns the digital signatures.
func (s *Signatures) Digital() []*DigitalSignature { return s.digital }

// Fingerprints returns the fingerprints of all signing keys.
func (s *Signatures) Fingerprints() []string {
	var result []string
	for _, sig := range s.digital {
		result = append(result, sig.Fingerprint.Get())
	}
	return result
}

func (s *Signatures) add(sig *DigitalSignature) {
	for i, old := range s.digital {
		if old.Fingerprint.Get() == sig.Fingerprint.Get() {
			s.digital[i] = sig
			return
		}
	}
	s.digital = append(s.digital, sig)
	sort.Slice(s.digital, func(i, j int) bool {
		return s.digital[i].Fingerprint.Get() < s.digital[j].Fingerprint.Get()
	})
}

// Reset drops the digest and all signatures. Derived troves (shadows,
// clones) must not keep the signatures of their parent.
func (s *Signatures) Reset() {
	s.sha1 = digest.Sha1{}
	s.digital = nil
}

func (s *Signatures) Freeze(skip streams.SkipSet) []byte {
	if s.sha1.IsZero() {
		return nil
	}
	buf := streams.AppendField(nil, 0, streams.Small, s.sha1.Bytes())
	var sigs []byte
	for _, sig := range s.digital {
		sigs = streams.AppendField(sigs, 1, streams.Large, streams.FreezeSet(sig, nil))
	}
	if len(sigs) > 0 {
		buf = streams.AppendField(buf, 1, streams.Large, sigs)
	}
	return buf
}

func (s *Signatures) Thaw(frz []byte) error {
	s.Reset()
	return streams.SplitFields(frz, func(tag byte, _ bool, payload []byte) error {
		switch tag {
		case 0:
			d, err := digest.FromBytes(payload)
			if err != nil {
				return err
			}
			s.sha1 = d
		case 1:
			return streams.SplitFields(payload, func(_ byte, _ bool, sigFrz []byte) error {
				sig := &DigitalSignature{}
				if err := streams.ThawSet(sig, sigFrz); err != nil {
					return err
				}
				s.digital = append(s.digital, sig)
				return nil
			})
		}
		return nil
	})
}

func (s *Signatures) Diff(them streams.Stream) []byte { return absoluteDiff(s, them) }
func (s *Signatures) Twm(diff []byte, base streams.Stream) (bool, error) {
	return absoluteTwm(s, diff, base)
}
func (s *Signatures) Equal(them streams.Stream) bool { return frozenEqual(s, them) }

// PublicKey is a signing key as known to a key cache.
type PublicKey struct {
	Fingerprint string
	Key         ed25519.PublicKey
	Trust       int
	Revoked     bool
	// Expires is the zero time for keys that never expire.
	Expires time.Time
}

// PrivateKey can sign troves.
type PrivateKey struct {
	PublicKey
	Private ed25519.PrivateKey
}

// Fingerprint derives the fingerprint of a public key.
func Fingerprint(key ed25519.PublicKey) string {
	return digest.Sum(key).String()
}

// GenerateKey creates a new key pair with the given trust.
func GenerateKey(rand io.Reader, trust int) (*PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{
		PublicKey: PublicKey{Fingerprint: Fingerprint(pub), Key: pub, Trust: trust},
		Private:   priv,
	}, nil
}

// KeyCache looks up keys by fingerprint. Unknown keys return
// *errs.KeyNotFound.
type KeyCache interface {
	PublicKey(fingerprint string) (*PublicKey, error)
	PrivateKey(fingerprint string) (*PrivateKey, error)
}

// MemoryKeyCache is a KeyCache backed by maps.
type MemoryKeyCache struct {
	mu      sync.Mutex
	public  map[string]*PublicKey
	private map[string]*PrivateKey
}

var _ KeyCache = (*MemoryKeyCache)(nil)

func NewMemoryKeyCache() *MemoryKeyCache {
	return &MemoryKeyCache{
		public:  map[string]*PublicKey{},
		private: map[string]*PrivateKey{},
	}
}

func (c *MemoryKeyCache) AddPublicKey(key *PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.public[key.Fingerprint] = key
}

// AddPrivateKey adds the key pair; the public half becomes known too.
func (c *MemoryKeyCache) AddPrivateKey(key *PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.private[key.Fingerprint] = key
	pub := key.PublicKey
	c.public[key.Fingerprint] = &pub
}

func (c *MemoryKeyCache) PublicKey(fingerprint string) (*PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.public[fingerprint]; ok {
		return k, nil
	}
	return nil, &errs.KeyNotFound{Fingerprint: fingerprint}
}

func (c *MemoryKeyCache) PrivateKey(fingerprint string) (*PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.private[fingerprint]; ok {
		return k, nil
	}
	return nil, &errs.KeyNotFound{Fingerprint: fingerprint}
}

var timeNow = time.Now

// AddDigitalSignature computes the digests and signs them with key.
func (t *Trove) AddDigitalSignature(key *PrivateKey) error {
	old := t.Info.Sigs.sha1
	d := t.ComputeDigests()
	if !old.IsZero() && old != d {
		return &errs.TroveIntegrityError{Name: t.Name(), Version: t.Version().String(),
			Flavor: t.Flavor().String(), Msg: "digest changed before signing"}
	}
	sig := &DigitalSignature{}
	sig.Fingerprint.Set(key.Fingerprint)
	sig.Signature.SetBytes(ed25519.Sign(key.Private, d.Bytes()))
	sig.Timestamp.Set(uint32(timeNow().Unix()))
	t.Info.Sigs.add(sig)
	return nil
}

// VerifyDigitalSignatures checks every signature with a known key. It
// returns the highest trust of a valid signature and the fingerprints of
// keys that were not found. A bad signature, a revoked or expired key, or
// a maximum trust below threshold is an error.
func (t *Trove) VerifyDigitalSignatures(threshold int, keys KeyCache) (int, []string, error) {
	d := t.Info.Sigs.sha1
	if computed := t.digest(); d.IsZero() || d != computed {
		return 0, nil, &errs.TroveIntegrityError{Name: t.Name(), Version: t.Version().String(),
			Flavor: t.Flavor().String(), Msg: "trove digest mismatch"}
	}
	maxTrust := TrustUntrusted
	var missing, bad []string
	for _, sig := range t.Info.Sigs.digital {
		fp := sig.Fingerprint.Get()
		key, err := keys.PublicKey(fp)
		if err != nil {
			var notFound *errs.KeyNotFound
			if errors.As(err, &notFound) {
				missing = append(missing, fp)
				continue
			}
			return 0, nil, err
		}
		if !ed25519.Verify(key.Key, d.Bytes(), sig.Signature.GetBytes()) {
			bad = append(bad, fp)
			continue
		}
		if key.Revoked {
			return 0, nil, &errs.DigitalSignatureVerificationError{Fingerprint: fp, Msg: "key is revoked"}
		}
		if !key.Expires.IsZero() && !key.Expires.After(timeNow()) {
			return 0, nil, &errs.DigitalSignatureVerificationError{Fingerprint: fp, Msg: "key is expired"}
		}
		if key.Trust > maxTrust {
			maxTrust = key.Trust
		}
	}
	if len(bad) > 0 {
		return 0, nil, &errs.DigitalSignatureVerificationError{Fingerprint: bad[0],
			Msg: "trove signatures made by the following keys are bad: " + strings.Join(bad, " ")}
	}
	if maxTrust < threshold {
		return 0, nil, &errs.DigitalSignatureVerificationError{
			Msg: "trove does not meet minimum trust level: " + t.Name()}
	}
	return maxTrust, missing, nil
}
