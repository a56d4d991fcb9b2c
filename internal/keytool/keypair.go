package keytool

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/splintermail/ditm/internal/errs"
)

// Keypair is a device's RSA identity: a private key plus the hex SHA-256
// fingerprint of its public key's DER encoding (spec.md DATA MODEL
// "Device keypair & peer list").
type Keypair struct {
	Private     *rsa.PrivateKey
	Fingerprint string
}

const pemFilename = "device.pem"

// loadKeypair reads "<dir>/device.pem". Errors from a missing or
// malformed file are returned as errs.OPEN/errs.SSL respectively so the
// caller can decide to generate a fresh key (mirrors key_tool_new's
// "E_OPEN | E_SSL means generate" catch).
func loadKeypair(dir string) (*Keypair, error) {
	path := filepath.Join(dir, pemFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.OPEN, err, "loading device keypair")
		}
		return nil, errs.Wrap(errs.FS, err, "reading device keypair")
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, errs.New(errs.SSL, "device.pem is not a valid RSA private key block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errs.Wrap(errs.SSL, err, "parsing device private key")
	}
	return keypairFromPrivate(key)
}

func keypairFromPrivate(key *rsa.PrivateKey) (*Keypair, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, errs.Wrap(errs.INTERNAL, err, "marshaling device public key")
	}
	sum := sha256.Sum256(pubDER)
	return &Keypair{Private: key, Fingerprint: hex.EncodeToString(sum[:])}, nil
}

// generateKeypair creates a fresh RSA key of the given bit size and
// writes it to "<dir>/device.pem", remapping a write failure to
// errs.FS (mirrors key_tool_new: "E_OPEN here means E_FS to higher
// level code").
func generateKeypair(dir string, bits int) (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errs.Wrap(errs.INTERNAL, err, "generating device keypair")
	}

	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	path := filepath.Join(dir, pemFilename)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.FS, err, "creating device keypair file")
	}
	if err := pem.Encode(f, block); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, errs.Wrap(errs.FS, err, "writing device keypair")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, errs.Wrap(errs.FS, err, "closing device keypair file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, errs.Wrap(errs.FS, err, "installing device keypair")
	}

	return keypairFromPrivate(priv)
}

// loadOrGenerateKeypair implements key_tool_new's keypair step: try to
// load, and on OPEN (missing) or SSL (malformed) generate fresh.
func loadOrGenerateKeypair(dir string, bits int) (kp *Keypair, didGen bool, err error) {
	kp, err = loadKeypair(dir)
	if err == nil {
		return kp, false, nil
	}
	if !errs.Is(err, errs.OPEN) && !errs.Is(err, errs.SSL) {
		return nil, false, errs.Propagate(err, "loadOrGenerateKeypair")
	}

	kp, err = generateKeypair(dir, bits)
	if err != nil {
		return nil, false, errs.Propagate(err, "loadOrGenerateKeypair: generating after failed load")
	}
	return kp, true, nil
}

// PublicPEM returns the PEM encoding of the device's public key, sent to
// the management API when registering a new device.
func (kp *Keypair) PublicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&kp.Private.PublicKey)
	if err != nil {
		return nil, errs.Wrap(errs.INTERNAL, err, "marshaling public key for registration")
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}
