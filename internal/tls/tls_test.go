package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestSetupAutoGenerates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.3", Hosts: []string{"sim.local", "10.0.0.1"}})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	require.Len(t, cfg.Certificates, 1)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		require.FileExists(t, filepath.Join(dir, f))
	}
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	require.NoError(t, err)
	require.Equal(t, []string{"sim.local"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)

	// a second setup reuses the generated pair
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateSelfSigned(Config{}, dir))
	cfg, err := Setup(Config{Enabled: true, CertFile: filepath.Join(dir, tlsCrt), KeyFile: filepath.Join(dir, tlsKey)})
	require.NoError(t, err)
	require.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestSetupMissingFiles(t *testing.T) {
	_, err := Setup(Config{Enabled: true, Dir: t.TempDir()})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled", Config{}, true},
		{"dir", Config{Enabled: true, Dir: "certs"}, true},
		{"files", Config{Enabled: true, CertFile: "a", KeyFile: "b"}, true},
		{"nothing", Config{Enabled: true}, false},
		{"cert without key", Config{Enabled: true, CertFile: "a"}, false},
		{"bad version", Config{Enabled: true, Dir: "certs", MinVersion: "1.0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
