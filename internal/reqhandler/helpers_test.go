package reqhandler

import (
	"github.com/libp2p/go-libp2p/core/crypto"
)

func cryptoGenKeyPair() (crypto.PrivKey, crypto.PubKey, error) {
	return crypto.GenerateEd25519Key(nil)
}
