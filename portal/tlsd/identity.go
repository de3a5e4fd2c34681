// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tlsd

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"

	"github.com/nubwerk/portalstack/portal/log"
)

var (
	errBadKey  = errors.New("private key not der or pem")
	errKeyType = errors.New("unsupported private key type")
)

// SetPrivateKey installs the server's private key, DER or PEM
// encoded. Fails when the server is running.
func (s *Server) SetPrivateKey(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		log.W("tlsd: %s running; key unchanged", s.id)
		return errRunning
	}

	k, err := parsePrivateKey(derOf(key))
	if err != nil {
		log.W("tlsd: %s bad private key; err: %v", s.id, err)
		return err
	}
	s.key = k
	return nil
}

// SetCertificate installs the server's certificate, DER or PEM
// encoded; PEM input may carry a chain, leaf first. Fails when the
// server is running.
func (s *Server) SetCertificate(cert []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		log.W("tlsd: %s running; certificate unchanged", s.id)
		return errRunning
	}

	chain := certChain(cert)
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		log.W("tlsd: %s bad certificate; err: %v", s.id, err)
		return err
	}
	for _, der := range chain[1:] {
		if _, err = x509.ParseCertificate(der); err != nil {
			log.W("tlsd: %s bad chain certificate; err: %v", s.id, err)
			return err
		}
	}
	s.certs = chain
	s.leaf = leaf
	return nil
}

// derOf strips a pem wrapper when present; raw der passes through.
func derOf(b []byte) []byte {
	if blk, _ := pem.Decode(b); blk != nil {
		return blk.Bytes
	}
	return b
}

// certChain splits pem input into its certificate blocks; raw der
// comes back as a single element chain.
func certChain(b []byte) [][]byte {
	var chain [][]byte
	rest := b
	for {
		var blk *pem.Block
		blk, rest = pem.Decode(rest)
		if blk == nil {
			break
		}
		if blk.Type == "CERTIFICATE" {
			chain = append(chain, blk.Bytes)
		}
	}
	if len(chain) == 0 {
		chain = [][]byte{b}
	}
	return chain
}

func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
			return k, nil
		default:
			return nil, errKeyType
		}
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, errBadKey
}
