/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
)

func TestCreateSelfSignedCertificate(t *testing.T) {
	t.Parallel()

	cert, err := CreateSelfSignedCertificate("localhost", "127.0.0.1")
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
	assert.NoError(t, leaf.VerifyHostname("localhost"))
}

func writeKeyPair(t *testing.T, dir string, cert tls.Certificate) {
	t.Helper()
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tls.key"), keyPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tls.crt"), certPEM, 0o600))
}

func serialOf(t *testing.T, cert *tls.Certificate) *big.Int {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.SerialNumber
}

func TestCertReloader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := CreateSelfSignedCertificate("localhost")
	require.NoError(t, err)
	writeKeyPair(t, dir, first)

	ctx, cancel := context.WithCancel(logutil.NewTestLoggerIntoContext(context.Background()))
	defer cancel()
	r, err := NewCertReloader(ctx, dir)
	require.NoError(t, err)

	got, err := r.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, serialOf(t, &first), serialOf(t, got))

	second, err := CreateSelfSignedCertificate("localhost")
	require.NoError(t, err)
	writeKeyPair(t, dir, second)
	want := serialOf(t, &second)
	assert.Eventually(t, func() bool {
		got, _ := r.GetCertificate(nil)
		leaf, err := x509.ParseCertificate(got.Certificate[0])
		return err == nil && leaf.SerialNumber.Cmp(want) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCertReloader_MissingKeyPair(t *testing.T) {
	t.Parallel()

	_, err := NewCertReloader(context.Background(), t.TempDir())
	assert.Error(t, err)
}
