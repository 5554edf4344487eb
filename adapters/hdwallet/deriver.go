package hdwallet

import (
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Deriver derives per-payment deposit addresses from a single HD account
// public key. Only the neutered key is held; the process can derive addresses
// but never spend from them.
type Deriver struct {
	accountKey *hdkeychain.ExtendedKey
}

// NewDeriver creates a deriver from an extended account key. Private keys are
// neutered on the way in.
func NewDeriver(accountKey string) (*Deriver, error) {
	key, err := hdkeychain.NewKeyFromString(accountKey)
	if err != nil {
		return nil, Error.New("invalid account key: %v", err)
	}
	if key.IsPrivate() {
		key, err = key.Neuter()
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return &Deriver{accountKey: key}, nil
}

// Address derives the deposit address at the given account index.
func (d *Deriver) Address(index uint32) (common.Address, error) {
	child, err := d.accountKey.Derive(index)
	if err != nil {
		return common.Address{}, Error.Wrap(err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return common.Address{}, Error.Wrap(err)
	}
	return crypto.PubkeyToAddress(*pub.ToECDSA()), nil
}
