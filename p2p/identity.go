package p2p

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/natefinch/atomic"
)

const keyFilename = "p2p.key"

type identityInfo struct {
	Key []byte
	ID  peer.ID
}

// IdentityInfoFromDir returns the peer ID stored in the identity file.
func IdentityInfoFromDir(dir string) (peer.ID, error) {
	info, err := readIdentity(filepath.Join(dir, keyFilename))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func readIdentity(path string) (*identityInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity from %s: %w", path, err)
	}
	var info identityInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode identity from %s: %w", path, err)
	}
	return &info, nil
}

// EnsureIdentity loads the node identity from the directory, generating and
// storing a new one if there's none.
func EnsureIdentity(dir string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure that directory %s exists: %w", dir, err)
	}
	path := filepath.Join(dir, keyFilename)
	info, err := readIdentity(path)
	switch {
	case err == nil:
		key, err := crypto.UnmarshalPrivateKey(info.Key)
		if err != nil {
			return nil, fmt.Errorf("unmarshal identity key from %s: %w", path, err)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("get peer ID from key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	data, err := json.Marshal(identityInfo{Key: raw, ID: id})
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("write identity to %s: %w", path, err)
	}
	return key, nil
}
