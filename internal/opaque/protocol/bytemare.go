package protocol

import (
	"fmt"

	"github.com/bytemare/opaque"
)

// Bytemare implements Protocol with github.com/bytemare/opaque (RFC 9807 draft suite:
// ristretto255 OPRF and AKE, SHA-512, Argon2id on the client).
type Bytemare struct {
	conf       *opaque.Configuration
	serverID   []byte
	privateKey []byte
	publicKey  []byte
	oprfSeed   []byte
}

// KeyMaterial holds the long-lived server secrets.
type KeyMaterial struct {
	ServerID   []byte
	PrivateKey []byte
	PublicKey  []byte
	OPRFSeed   []byte
}

// GenerateKeyMaterial returns fresh server key material for the default configuration.
func GenerateKeyMaterial(serverID string) KeyMaterial {
	conf := opaque.DefaultConfiguration()
	sk, pk := conf.KeyGen()
	return KeyMaterial{
		ServerID:   []byte(serverID),
		PrivateKey: sk,
		PublicKey:  pk,
		OPRFSeed:   conf.GenerateOPRFSeed(),
	}
}

// NewBytemare validates km against the default configuration.
func NewBytemare(km KeyMaterial) (*Bytemare, error) {
	b := &Bytemare{
		conf:       opaque.DefaultConfiguration(),
		serverID:   km.ServerID,
		privateKey: km.PrivateKey,
		publicKey:  km.PublicKey,
		oprfSeed:   km.OPRFSeed,
	}
	if _, err := b.server(); err != nil {
		return nil, err
	}
	return b, nil
}

// server returns a fresh server instance. Instances carry per-handshake state and are
// not shared between requests.
func (b *Bytemare) server() (*opaque.Server, error) {
	s, err := b.conf.Server()
	if err != nil {
		return nil, fmt.Errorf("opaque: server: %w", err)
	}
	if err := s.SetKeyMaterial(b.serverID, b.privateKey, b.publicKey, b.oprfSeed); err != nil {
		return nil, fmt.Errorf("opaque: key material: %w", err)
	}
	return s, nil
}

func (b *Bytemare) RegistrationResponse(request, credentialID []byte) ([]byte, []byte, error) {
	s, err := b.server()
	if err != nil {
		return nil, nil, err
	}
	req, err := s.Deserialize.RegistrationRequest(request)
	if err != nil {
		return nil, nil, ErrMalformed
	}
	pks, err := s.Deserialize.DecodeAkePublicKey(b.publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("opaque: server public key: %w", err)
	}
	resp := s.RegistrationResponse(req, pks, credentialID, b.oprfSeed)
	return resp.Serialize(), b.publicKey, nil
}

func (b *Bytemare) ValidateRecord(record []byte) error {
	s, err := b.server()
	if err != nil {
		return err
	}
	if _, err := s.Deserialize.RegistrationRecord(record); err != nil {
		return ErrMalformed
	}
	return nil
}

func (b *Bytemare) LoginInit(ke1 []byte, cred Credential) ([]byte, []byte, error) {
	s, err := b.server()
	if err != nil {
		return nil, nil, err
	}
	msg, err := s.Deserialize.KE1(ke1)
	if err != nil {
		return nil, nil, ErrMalformed
	}

	var rec *opaque.ClientRecord
	if cred.Envelope == nil {
		rec, err = b.conf.GetFakeRecord(cred.CredentialID)
		if err != nil {
			return nil, nil, fmt.Errorf("opaque: fake record: %w", err)
		}
	} else {
		upload, err := s.Deserialize.RegistrationRecord(cred.Envelope)
		if err != nil {
			return nil, nil, fmt.Errorf("opaque: stored record: %w", err)
		}
		rec = &opaque.ClientRecord{
			CredentialIdentifier: cred.CredentialID,
			ClientIdentity:       cred.ClientIdentity,
			RegistrationRecord:   upload,
		}
	}

	ke2, err := s.LoginInit(msg, rec)
	if err != nil {
		return nil, nil, fmt.Errorf("opaque: login init: %w", err)
	}
	return ke2.Serialize(), s.SerializeState(), nil
}

func (b *Bytemare) LoginFinish(state, ke3 []byte) ([]byte, error) {
	s, err := b.server()
	if err != nil {
		return nil, err
	}
	if err := s.SetAKEState(state); err != nil {
		return nil, fmt.Errorf("opaque: restore state: %w", err)
	}
	msg, err := s.Deserialize.KE3(ke3)
	if err != nil {
		return nil, ErrMalformed
	}
	if err := s.LoginFinish(msg); err != nil {
		return nil, ErrAuthentication
	}
	return s.SessionKey(), nil
}

// PublicKey returns the server's AKE public key.
func (b *Bytemare) PublicKey() []byte { return b.publicKey }
