// Package credential resolves the identity attached to upstream requests.
package credential

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"

	"ntlm-proxy-go/internal/config"
)

// SchemeNTLM is the only upstream authentication scheme.
const SchemeNTLM = "NTLM"

// Credential is a network credential scoped to a single upstream host.
type Credential struct {
	Host     string
	Scheme   string
	Domain   string
	Username string
	Password string
}

// Anonymous reports whether there is no identity to attach.
func (c Credential) Anonymous() bool {
	return c.Username == ""
}

// Principal returns the DOMAIN\user form understood by NTLM negotiators.
func (c Credential) Principal() string {
	if c.Domain == "" {
		return c.Username
	}
	return c.Domain + `\` + c.Username
}

// AppliesTo reports whether the credential may be sent to host.
func (c Credential) AppliesTo(host string) bool {
	return c.Host == "" || strings.EqualFold(c.Host, host)
}

// String never includes the password.
func (c Credential) String() string {
	if c.Anonymous() {
		return "anonymous"
	}
	return fmt.Sprintf("%s %s@%s", c.Scheme, c.Principal(), c.Host)
}

// Provider supplies the credential for a target host. Implementations must be
// safe for concurrent use.
type Provider interface {
	Resolve(ctx context.Context, targetHost string) (Credential, error)
}

// StaticProvider returns an explicitly configured credential.
type StaticProvider struct {
	cred Credential
}

// NewStaticProvider creates a StaticProvider for the given identity.
func NewStaticProvider(domain, username, password string) *StaticProvider {
	domain, username = splitPrincipal(domain, username)
	return &StaticProvider{cred: Credential{
		Scheme:   SchemeNTLM,
		Domain:   domain,
		Username: username,
		Password: password,
	}}
}

// Resolve scopes the configured credential to targetHost.
func (p *StaticProvider) Resolve(_ context.Context, targetHost string) (Credential, error) {
	c := p.cred
	c.Host = targetHost
	return c, nil
}

// AmbientProvider resolves the identity of the running process on every call.
// The environment is consulted first so that a process without a platform
// credential store can still be given one.
type AmbientProvider struct {
	lookupEnv   func(string) (string, bool)
	currentUser func() (*user.User, error)
}

// NewAmbientProvider creates an AmbientProvider reading the process environment.
func NewAmbientProvider() *AmbientProvider {
	return &AmbientProvider{
		lookupEnv:   os.LookupEnv,
		currentUser: user.Current,
	}
}

// Resolve returns the current process identity for targetHost.
func (p *AmbientProvider) Resolve(_ context.Context, targetHost string) (Credential, error) {
	username := p.env("NTLM_USER")
	if username == "" {
		u, err := p.currentUser()
		if err != nil {
			return Credential{}, fmt.Errorf("resolve ambient identity: %w", err)
		}
		username = u.Username
	}

	domain := p.env("NTLM_DOMAIN")
	if domain == "" {
		domain = p.env("USERDOMAIN")
	}
	domain, username = splitPrincipal(domain, username)

	return Credential{
		Host:     targetHost,
		Scheme:   SchemeNTLM,
		Domain:   domain,
		Username: username,
		Password: p.env("NTLM_PASSWORD"),
	}, nil
}

func (p *AmbientProvider) env(key string) string {
	v, _ := p.lookupEnv(key)
	return v
}

// NewProvider picks the explicit credential from config when one is set and
// the ambient identity otherwise.
func NewProvider(cfg *config.Config) Provider {
	c := cfg.Upstream.Credential
	if c.Username != "" {
		return NewStaticProvider(c.Domain, c.Username, c.Password)
	}
	return NewAmbientProvider()
}

// splitPrincipal separates DOMAIN\user into its parts. An explicit domain wins.
func splitPrincipal(domain, username string) (string, string) {
	if d, u, ok := strings.Cut(username, `\`); ok {
		if domain == "" {
			domain = d
		}
		return domain, u
	}
	return domain, username
}
