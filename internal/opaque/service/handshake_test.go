package service

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bytemare/opaque"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/opaque/domain"
	"opaque-idp/internal/opaque/protocol"
)

// opaqueClient drives the client side of the handshake with the same library the server uses.
type opaqueClient struct {
	t        *testing.T
	conf     *opaque.Configuration
	clientID []byte
	serverID []byte
}

func (c opaqueClient) new() *opaque.Client {
	c.t.Helper()
	cl, err := c.conf.Client()
	if err != nil {
		c.t.Fatalf("client: %v", err)
	}
	return cl
}

func (c opaqueClient) register(e *Engine, who identity.Identity, password string) *domain.Record {
	c.t.Helper()
	ctx := context.Background()
	cl := c.new()
	req := cl.RegistrationInit([]byte(password))
	resp, _, err := e.StartRegistration(ctx, who.Cohort, who.Email, req.Serialize())
	if err != nil {
		c.t.Fatalf("StartRegistration: %v", err)
	}
	msg, err := cl.Deserialize.RegistrationResponse(resp)
	if err != nil {
		c.t.Fatalf("decode registration response: %v", err)
	}
	upload, _ := cl.RegistrationFinalize(msg, opaque.ClientRegistrationFinalizeOptions{
		ClientIdentity: c.clientID,
		ServerIdentity: c.serverID,
	})
	rec, err := e.FinishRegistration(ctx, who, upload.Serialize())
	if err != nil {
		c.t.Fatalf("FinishRegistration: %v", err)
	}
	return rec
}

// login answers KE2 with the password and returns the login session id, KE3 and the
// client's session key. finishErr is set when the client itself rejects KE2.
func (c opaqueClient) login(start func(ke1 []byte) ([]byte, string, error), password string) (sid string, ke3, key []byte, finishErr error) {
	c.t.Helper()
	cl := c.new()
	ke1 := cl.LoginInit([]byte(password))
	ke2, sid, err := start(ke1.Serialize())
	if err != nil {
		c.t.Fatalf("start login: %v", err)
	}
	msg, err := cl.Deserialize.KE2(ke2)
	if err != nil {
		c.t.Fatalf("decode KE2: %v", err)
	}
	out, _, err := cl.LoginFinish(msg, opaque.ClientLoginFinishOptions{
		ClientIdentity: c.clientID,
		ServerIdentity: c.serverID,
	})
	if err != nil {
		return sid, nil, nil, err
	}
	return sid, out.Serialize(), cl.SessionKey(), nil
}

func TestEngine_BytemareRoundTrip(t *testing.T) {
	km := protocol.GenerateKeyMaterial("idp.test")
	p, err := protocol.NewBytemare(km)
	if err != nil {
		t.Fatalf("NewBytemare: %v", err)
	}
	e := NewEngine(p, &memRecords{}, &memLoginSessions{}, testKEK(t), Config{}, nil)
	ctx := context.Background()
	conf := opaque.DefaultConfiguration()
	client := opaqueClient{t: t, conf: conf, clientID: []byte(identity.NormalizeEmail(alice.Email)), serverID: km.ServerID}
	// A MAC-sized KE3 decodes but cannot authenticate.
	forged := make([]byte, conf.MAC.Size())

	rec := client.register(e, alice, "correct horse battery staple")
	if !bytes.Equal(rec.ServerPublicKey, km.PublicKey) {
		t.Errorf("record server public key not taken from key material")
	}
	startReal := func(ke1 []byte) ([]byte, string, error) { return e.StartLogin(ctx, alice, rec, ke1) }

	t.Run("correct password", func(t *testing.T) {
		sid, ke3, key, err := client.login(startReal, "correct horse battery staple")
		if err != nil {
			t.Fatalf("client LoginFinish: %v", err)
		}
		res, err := e.FinishLogin(ctx, alice.Cohort, sid, ke3)
		if err != nil {
			t.Fatalf("FinishLogin: %v", err)
		}
		if res.Identity.SubjectID != alice.SubjectID || res.Identity.Cohort != alice.Cohort || res.Identity.Email != "alice@example.com" {
			t.Errorf("identity = %+v", res.Identity)
		}
		if len(key) == 0 || !bytes.Equal(res.SessionKey, key) {
			t.Error("server and client session keys differ")
		}
		if _, err := e.FinishLogin(ctx, alice.Cohort, sid, ke3); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("replayed finish err = %v, want ErrAuthFailed", err)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		sid, _, _, err := client.login(startReal, "wrong password")
		if err == nil {
			t.Fatal("client accepted KE2 with the wrong password")
		}
		if _, err := e.FinishLogin(ctx, alice.Cohort, sid, forged); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("FinishLogin err = %v, want ErrAuthFailed", err)
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		startDummy := func(ke1 []byte) ([]byte, string, error) {
			return e.StartLoginWithDummy(ctx, identity.CohortUser, "nobody@example.com", ke1)
		}
		sid, _, _, err := client.login(startDummy, "correct horse battery staple")
		if err == nil {
			t.Fatal("client accepted KE2 from a fake record")
		}
		if _, err := e.FinishLogin(ctx, identity.CohortUser, sid, forged); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("FinishLogin err = %v, want ErrAuthFailed", err)
		}
	})
}
