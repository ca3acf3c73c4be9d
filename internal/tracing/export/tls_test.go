// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package export

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/auditflow/internal/tracing"
)

func TestClientTLS_Disabled(t *testing.T) {
	cfg, err := ClientTLS(tracing.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestClientTLS_Defaults(t *testing.T) {
	cfg, err := ClientTLS(tracing.TLSConfig{Enabled: true, VerifyCertificate: true})
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotEmpty(t, cfg.CipherSuites)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.NotNil(t, cfg.RootCAs)
	assert.NoError(t, ValidateTLS(cfg))
}

func TestClientTLS_SkipVerify(t *testing.T) {
	cfg, err := ClientTLS(tracing.TLSConfig{Enabled: true})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
}

func TestClientTLS_CACert(t *testing.T) {
	dir := t.TempDir()

	_, err := ClientTLS(tracing.TLSConfig{Enabled: true, CACertPath: filepath.Join(dir, "missing.pem")})
	assert.ErrorContains(t, err, "failed to read CA certificate")

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = ClientTLS(tracing.TLSConfig{Enabled: true, CACertPath: bad})
	assert.ErrorContains(t, err, "no certificates found")
}

func TestValidateTLS(t *testing.T) {
	assert.ErrorContains(t, ValidateTLS(nil), "nil")
	assert.ErrorContains(t, ValidateTLS(&tls.Config{MinVersion: tls.VersionTLS10}), "minimum TLS version")
	assert.NoError(t, ValidateTLS(&tls.Config{MinVersion: tls.VersionTLS13}))
}
