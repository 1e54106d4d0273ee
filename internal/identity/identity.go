// Package identity manages the node's long-lived keypair: the source of
// its peer identifier for the life of the process.
package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/portanet/porta/internal/applog"
)

var log = applog.New("identity")

// LoadOrGenerate reads a private key from path; on a missing file or a
// corrupt encoding it generates a fresh Ed25519 keypair and persists it.
// A missing file is not an error. An unwritable path is fatal: the node
// cannot establish a stable identity without it.
func LoadOrGenerate(path string) (crypto.PrivKey, bool, error) {
	if data, err := os.ReadFile(path); err == nil {
		if priv, err := crypto.UnmarshalPrivateKey(data); err == nil {
			return priv, false, nil
		} else {
			log.Warnf("corrupt identity key at %s: %v (generating new key)", path, err)
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, fmt.Errorf("generate identity key: %w", err)
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("persist identity key: %w", err)
	}

	return priv, true, nil
}

// PeerID derives the peer identifier advertised on the wire from a
// public key.
func PeerID(priv crypto.PrivKey) (peer.ID, error) {
	return peer.IDFromPrivateKey(priv)
}
