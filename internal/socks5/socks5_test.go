package socks5

import (
	"bytes"
	"testing"
)

// ============================================================================
// Authentication Tests
// ============================================================================

func TestNoAuthAuthenticator_Authenticate(t *testing.T) {
	auth := &NoAuthAuthenticator{}

	user, err := auth.Authenticate(nil, nil)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user != "" {
		t.Errorf("Authenticate() user = %q, want empty", user)
	}
}

func TestNoAuthAuthenticator_GetMethod(t *testing.T) {
	auth := &NoAuthAuthenticator{}
	if auth.GetMethod() != AuthMethodNoAuth {
		t.Errorf("GetMethod() = %d, want %d", auth.GetMethod(), AuthMethodNoAuth)
	}
}

func TestStaticCredentials_Valid(t *testing.T) {
	creds := StaticCredentials{
		"user1": "pass1",
		"user2": "pass2",
	}

	tests := []struct {
		username string
		password string
		want     bool
	}{
		{"user1", "pass1", true},
		{"user2", "pass2", true},
		{"user1", "wrong", false},
		{"unknown", "pass1", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got := creds.Valid(tt.username, tt.password)
		if got != tt.want {
			t.Errorf("Valid(%q, %q) = %v, want %v", tt.username, tt.password, got, tt.want)
		}
	}
}

func TestHashedCredentials_Valid(t *testing.T) {
	hash1 := MustHashPassword("pass1")
	hash2 := MustHashPassword("pass2")

	creds := HashedCredentials{
		"user1": hash1,
		"user2": hash2,
	}

	tests := []struct {
		username string
		password string
		want     bool
	}{
		{"user1", "pass1", true},
		{"user2", "pass2", true},
		{"user1", "wrong", false},
		{"user2", "pass1", false},
		{"unknown", "pass1", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got := creds.Valid(tt.username, tt.password)
		if got != tt.want {
			t.Errorf("HashedCredentials.Valid(%q, %q) = %v, want %v", tt.username, tt.password, got, tt.want)
		}
	}
}

func TestHashPassword(t *testing.T) {
	password := "testpassword123"

	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "" {
		t.Fatal("HashPassword() returned empty hash")
	}
	if hash[0] != '$' || hash[1] != '2' {
		t.Errorf("HashPassword() returned invalid bcrypt hash prefix: %s", hash[:4])
	}

	creds := HashedCredentials{"testuser": hash}
	if !creds.Valid("testuser", password) {
		t.Error("HashedCredentials.Valid() returned false for correct password")
	}
	if creds.Valid("testuser", "wrongpassword") {
		t.Error("HashedCredentials.Valid() returned true for wrong password")
	}
}

func TestMustHashPassword(t *testing.T) {
	hash := MustHashPassword("testpass")
	if hash == "" {
		t.Fatal("MustHashPassword() returned empty hash")
	}
}

func TestUserPassAuthenticator_GetMethod(t *testing.T) {
	auth := NewUserPassAuthenticator(StaticCredentials{})
	if auth.GetMethod() != AuthMethodUserPass {
		t.Errorf("GetMethod() = %d, want %d", auth.GetMethod(), AuthMethodUserPass)
	}
}

func TestUserPassAuthenticator_Authenticate_Success(t *testing.T) {
	creds := StaticCredentials{"testuser": "testpass"}
	auth := NewUserPassAuthenticator(creds)

	request := []byte{
		0x01,
		0x08,
		't', 'e', 's', 't', 'u', 's', 'e', 'r',
		0x08,
		't', 'e', 's', 't', 'p', 'a', 's', 's',
	}

	reader := bytes.NewReader(request)
	writer := &bytes.Buffer{}

	user, err := auth.Authenticate(reader, writer)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user != "testuser" {
		t.Errorf("Authenticate() user = %q, want %q", user, "testuser")
	}

	if writer.Len() != 2 {
		t.Fatalf("Response length = %d, want 2", writer.Len())
	}
	response := writer.Bytes()
	if response[0] != 0x01 || response[1] != AuthStatusSuccess {
		t.Errorf("Response = %v, want [0x01, 0x00]", response)
	}
}

func TestUserPassAuthenticator_Authenticate_Failure(t *testing.T) {
	creds := StaticCredentials{"testuser": "testpass"}
	auth := NewUserPassAuthenticator(creds)

	request := []byte{
		0x01,
		0x08,
		't', 'e', 's', 't', 'u', 's', 'e', 'r',
		0x05,
		'w', 'r', 'o', 'n', 'g',
	}

	reader := bytes.NewReader(request)
	writer := &bytes.Buffer{}

	_, err := auth.Authenticate(reader, writer)
	if err == nil {
		t.Error("Authenticate() should fail with wrong password")
	}

	response := writer.Bytes()
	if len(response) < 2 || response[1] != AuthStatusFailure {
		t.Errorf("Response should indicate failure, got %v", response)
	}
}

func TestUserPassAuthenticator_Authenticate_InvalidVersion(t *testing.T) {
	auth := NewUserPassAuthenticator(StaticCredentials{})

	request := []byte{0x02, 0x04, 't', 'e', 's', 't'}
	reader := bytes.NewReader(request)
	writer := &bytes.Buffer{}

	_, err := auth.Authenticate(reader, writer)
	if err == nil {
		t.Error("Authenticate() should fail with invalid version")
	}
}

// ============================================================================
// AuthPolicy Tests
// ============================================================================

func TestAuthPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  AuthPolicy
		wantErr bool
	}{
		{"zero value", AuthPolicy{}, false},
		{"both set", AuthPolicy{Username: "u", Password: "p"}, false},
		{"username only", AuthPolicy{Username: "u"}, true},
		{"password only", AuthPolicy{Password: "p"}, true},
		{"auth once without creds", AuthPolicy{AuthOnce: true}, true},
		{"auth once with creds", AuthPolicy{Username: "u", Password: "p", AuthOnce: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthPolicy_SelectMethod_NoAuthConfigured(t *testing.T) {
	p := AuthPolicy{}

	if m := p.selectMethod([]byte{AuthMethodNoAuth}, nil, nil); m != AuthMethodNoAuth {
		t.Errorf("selectMethod() = %d, want AuthMethodNoAuth", m)
	}
	if m := p.selectMethod([]byte{AuthMethodUserPass}, nil, nil); m != AuthMethodNoAcceptable {
		t.Errorf("selectMethod() = %d, want AuthMethodNoAcceptable", m)
	}
}

func TestAuthPolicy_SelectMethod_UserPassConfigured(t *testing.T) {
	p := AuthPolicy{Username: "u", Password: "p"}

	if m := p.selectMethod([]byte{AuthMethodNoAuth, AuthMethodUserPass}, nil, nil); m != AuthMethodUserPass {
		t.Errorf("selectMethod() = %d, want AuthMethodUserPass", m)
	}
	if m := p.selectMethod([]byte{AuthMethodNoAuth}, nil, nil); m != AuthMethodNoAcceptable {
		t.Errorf("selectMethod() = %d, want AuthMethodNoAcceptable", m)
	}
}

func TestAuthPolicy_SelectMethod_AuthOnceAdmitsKnownPeer(t *testing.T) {
	p := AuthPolicy{Username: "u", Password: "p", AuthOnce: true}
	ips := NewAuthIPSet()
	peer := &mockAddr{addr: "203.0.113.5:1234"}
	ips.Add(peer)

	if m := p.selectMethod([]byte{AuthMethodNoAuth, AuthMethodUserPass}, peer, ips); m != AuthMethodNoAuth {
		t.Errorf("selectMethod() = %d, want AuthMethodNoAuth for known peer", m)
	}

	unknown := &mockAddr{addr: "203.0.113.6:1234"}
	if m := p.selectMethod([]byte{AuthMethodNoAuth, AuthMethodUserPass}, unknown, ips); m != AuthMethodUserPass {
		t.Errorf("selectMethod() = %d, want AuthMethodUserPass for unknown peer", m)
	}
}

type mockAddr struct{ addr string }

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return m.addr }
