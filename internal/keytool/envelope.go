package keytool

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/splintermail/ditm/internal/errs"
)

// EnvelopeSentinel is the literal byte sequence the DITM session sniffs
// for to decide whether a downloaded message is a Splintermail envelope
// at all (spec.md §4.7 download pipeline step 3).
const EnvelopeSentinel = "-----BEGIN SPLINTERMAIL MESSAGE-----"

const bodySentinel = "-----BEGIN SPLINTERMAIL MESSAGE BODY-----"
const endSentinel = "-----END SPLINTERMAIL MESSAGE-----"

const maxEnvelopeRecipients = 256
const chunkSize = 1 << 16

type recipientKey struct {
	Fingerprint string `json:"fpr"`
	WrappedKey  string `json:"wrapped_key"` // base64(RSA-OAEP-SHA256(32-byte AES key || 12-byte nonce))
}

type envelopeHeader struct {
	Recipients []recipientKey `json:"recipients"`
}

// sealEnvelope is used only by tests and tooling that need to construct
// a fixture envelope encrypted to a known set of public keys.
func sealEnvelope(w io.Writer, pubKeys map[string]*rsa.PublicKey, plaintext []byte) error {
	var aesKey [32]byte
	var nonce [12]byte
	if _, err := rand.Read(aesKey[:]); err != nil {
		return errs.Wrap(errs.INTERNAL, err, "generating envelope key")
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return errs.Wrap(errs.INTERNAL, err, "generating envelope nonce")
	}

	secret := append(append([]byte{}, aesKey[:]...), nonce[:]...)
	header := envelopeHeader{}
	for fpr, pub := range pubKeys {
		wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, secret, nil)
		if err != nil {
			return errs.Wrap(errs.INTERNAL, err, "wrapping envelope key for %s", fpr)
		}
		header.Recipients = append(header.Recipients, recipientKey{
			Fingerprint: fpr,
			WrappedKey:  base64.StdEncoding.EncodeToString(wrapped),
		})
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errs.Wrap(errs.INTERNAL, err, "marshaling envelope header")
	}

	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return errs.Wrap(errs.INTERNAL, err, "building aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errs.Wrap(errs.INTERNAL, err, "building gcm")
	}

	if _, err := io.WriteString(w, EnvelopeSentinel+"\n"); err != nil {
		return errs.Wrap(errs.IO, err, "writing sentinel")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errs.Wrap(errs.IO, err, "writing envelope header")
	}
	if _, err := io.WriteString(w, "\n"+bodySentinel+"\n"); err != nil {
		return errs.Wrap(errs.IO, err, "writing body sentinel")
	}

	seq := uint64(0)
	for off := 0; off < len(plaintext); off += chunkSize {
		end := off + chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		sealed := sealChunk(gcm, nonce, seq, plaintext[off:end])
		if err := writeChunk(w, sealed); err != nil {
			return err
		}
		seq++
	}
	// zero-length terminal chunk
	if err := writeChunk(w, nil); err != nil {
		return err
	}
	if _, err := io.WriteString(w, endSentinel+"\n"); err != nil {
		return errs.Wrap(errs.IO, err, "writing end sentinel")
	}
	return nil
}

func writeChunk(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.Wrap(errs.IO, err, "writing chunk length")
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return errs.Wrap(errs.IO, err, "writing chunk data")
		}
	}
	return nil
}

// chunkNonce derives a per-chunk nonce from the envelope's base nonce by
// XORing the chunk sequence number into its low 8 bytes, so each chunk
// gets a unique nonce under the same AES key without transmitting one
// per chunk.
func chunkNonce(base [12]byte, seq uint64) []byte {
	n := make([]byte, 12)
	copy(n, base[:])
	tail := binary.BigEndian.Uint64(n[4:]) ^ seq
	binary.BigEndian.PutUint64(n[4:], tail)
	return n
}

func sealChunk(gcm cipher.AEAD, base [12]byte, seq uint64, plaintext []byte) []byte {
	return gcm.Seal(nil, chunkNonce(base, seq), plaintext, nil)
}

// decryptEnvelope streams the envelope from r into w using priv,
// returning the fingerprints the message was addressed to (all of
// them, regardless of whether priv could decrypt it) so the caller can
// drive peer reconciliation (spec.md §4.8 check_recips).
//
// Errors: errs.SSL for a structurally malformed envelope (remapped by
// the caller to errs.PARAM, mirroring key_tool_decrypt's "An SSL error
// is just a bad message"); errs.NOT4ME if the envelope is well-formed
// but none of its recipients match priv's fingerprint; errs.FIXEDSIZE
// if the recipient count exceeds maxEnvelopeRecipients (an internal
// bound, remapped by the caller to errs.INTERNAL).
func decryptEnvelope(r io.Reader, w io.Writer, priv *rsa.PrivateKey, myFingerprint string) (recipients []string, err error) {
	br := bufio.NewReader(r)

	sentinelLine, err := br.ReadString('\n')
	if err != nil || trimNL(sentinelLine) != EnvelopeSentinel {
		return nil, errs.New(errs.SSL, "envelope missing sentinel line")
	}

	headerLine, err := br.ReadString('\n')
	if err != nil {
		return nil, errs.Wrap(errs.SSL, err, "reading envelope header")
	}
	var header envelopeHeader
	if err := json.Unmarshal([]byte(headerLine), &header); err != nil {
		return nil, errs.Wrap(errs.SSL, err, "parsing envelope header")
	}
	if len(header.Recipients) > maxEnvelopeRecipients {
		return nil, errs.New(errs.FIXEDSIZE, "envelope names %d recipients, exceeds bound %d", len(header.Recipients), maxEnvelopeRecipients)
	}

	recipients = make([]string, 0, len(header.Recipients))
	var mySecret []byte
	for _, rk := range header.Recipients {
		recipients = append(recipients, rk.Fingerprint)
		if rk.Fingerprint != myFingerprint {
			continue
		}
		wrapped, derr := base64.StdEncoding.DecodeString(rk.WrappedKey)
		if derr != nil {
			return recipients, errs.Wrap(errs.SSL, derr, "decoding wrapped key")
		}
		secret, derr := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
		if derr != nil {
			return recipients, errs.Wrap(errs.SSL, derr, "unwrapping envelope key")
		}
		mySecret = secret
	}

	bodyMarker, err := br.ReadString('\n')
	if err != nil || trimNL(bodyMarker) != bodySentinel {
		return recipients, errs.New(errs.SSL, "envelope missing body sentinel")
	}

	if mySecret == nil {
		return recipients, errs.New(errs.NOT4ME, "no recipient entry for this device")
	}
	if len(mySecret) != 32+12 {
		return recipients, errs.New(errs.SSL, "unwrapped envelope key has wrong length")
	}
	var aesKey [32]byte
	var nonce [12]byte
	copy(aesKey[:], mySecret[:32])
	copy(nonce[:], mySecret[32:])

	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return recipients, errs.Wrap(errs.INTERNAL, err, "building aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return recipients, errs.Wrap(errs.INTERNAL, err, "building gcm")
	}

	seq := uint64(0)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return recipients, errs.Wrap(errs.SSL, err, "reading chunk length")
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			break
		}
		sealed := make([]byte, n)
		if _, err := io.ReadFull(br, sealed); err != nil {
			return recipients, errs.Wrap(errs.SSL, err, "reading chunk data")
		}
		plain, derr := gcm.Open(nil, chunkNonce(nonce, seq), sealed, nil)
		if derr != nil {
			return recipients, errs.Wrap(errs.SSL, derr, "decrypting chunk %d", seq)
		}
		if _, werr := w.Write(plain); werr != nil {
			return recipients, errs.Wrap(errs.IO, werr, "writing decrypted chunk")
		}
		seq++
	}

	return recipients, nil
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
