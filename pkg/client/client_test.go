package client_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/portalctl/internal/certs"
	"github.com/loykin/portalctl/internal/devicetest"
	"github.com/loykin/portalctl/pkg/client"
)

func newClient(url string) *client.Client {
	return client.New(client.Config{BaseURL: url, Timeout: 5 * time.Second})
}

func TestInstalledPackagesKeepRawFields(t *testing.T) {
	portal := devicetest.New(t, "", "")
	portal.AddPackage(devicetest.Record("Viewer", "Contoso.Viewer", client.Version{Major: 1, Minor: 4}, true))

	pkgs, err := newClient(portal.URL()).InstalledPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "Contoso.Viewer", pkgs[0].FamilyName)
	assert.Equal(t, client.Version{Major: 1, Minor: 4}, pkgs[0].Version)

	v, ok := pkgs[0].Field("PackageFamilyName")
	require.True(t, ok)
	assert.Equal(t, "Contoso.Viewer", v)
	_, ok = pkgs[0].Field("NoSuchField")
	assert.False(t, ok)
}

func TestProvidersMergesCustom(t *testing.T) {
	portal := devicetest.New(t, "", "")
	portal.AddCustomProvider(client.Provider{GUID: "{c0ffee00-0000-0000-0000-000000000001}", Name: "Contoso-App"})

	provs, err := newClient(portal.URL()).Providers(context.Background())
	require.NoError(t, err)
	require.Len(t, provs, 2)
	assert.Equal(t, devicetest.KernelGUID, provs[0].GUID)
	assert.Equal(t, "Contoso-App", provs[1].Name)
}

func TestStartStopApp(t *testing.T) {
	portal := devicetest.New(t, "", "")
	pkg := devicetest.Record("Viewer", "Contoso.Viewer", client.Version{Major: 1}, true)
	portal.AddPackage(pkg)
	c := newClient(portal.URL())
	ctx := context.Background()

	require.NoError(t, c.StartApp(ctx, pkg.RelativeID, pkg.FullName))
	snap, err := c.RunningProcesses(ctx)
	require.NoError(t, err)
	proc, ok := snap.Find(pkg.FullName)
	require.True(t, ok)
	assert.True(t, proc.IsRunning)
	assert.NotZero(t, proc.ProcessID)

	require.NoError(t, c.StopApp(ctx, pkg.FullName))
	snap, err = c.RunningProcesses(ctx)
	require.NoError(t, err)
	_, ok = snap.Find(pkg.FullName)
	assert.False(t, ok)
}

func TestAPIErrorCarriesReason(t *testing.T) {
	portal := devicetest.New(t, "", "")
	portal.FailNext(http.MethodGet, client.PathProcesses, http.StatusInternalServerError, "resource manager unavailable")

	_, err := newClient(portal.URL()).RunningProcesses(context.Background())
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "resource manager unavailable", client.Reason(err))
	assert.False(t, client.IsTransport(err))
}

func TestTransportError(t *testing.T) {
	portal := devicetest.New(t, "", "")
	url := portal.URL()
	portal.Close()

	_, err := newClient(url).InstalledPackages(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsTransport(err))
	assert.Contains(t, err.Error(), "device portal is enabled")
}

func TestBasicAuth(t *testing.T) {
	portal := devicetest.New(t, "admin", "s3cret")
	ctx := context.Background()

	_, err := newClient(portal.URL()).InstalledPackages(ctx)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	c := client.New(client.Config{BaseURL: portal.URL(), Username: "admin", Password: "s3cret"})
	_, err = c.InstalledPackages(ctx)
	require.NoError(t, err)

	conn, err := c.DialStream(ctx, client.PathTraceSession)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestInstallUploadsEveryFile(t *testing.T) {
	portal := devicetest.New(t, "", "")
	dir := t.TempDir()
	write := func(name string, size int) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, make([]byte, size), 0o600))
		return p
	}
	req := client.InstallRequest{
		Package:      write("viewer.msix", 4096),
		Dependencies: []string{write("vclibs.appx", 1024)},
		Certificate:  write("viewer.cer", 512),
	}
	var last, total int64
	req.Progress = func(read, t int64) { last, total = read, t }

	require.NoError(t, newClient(portal.URL()).Install(context.Background(), req))
	assert.Equal(t, int64(5632), total)
	assert.Equal(t, total, last)

	uploads := portal.Uploads()
	require.Len(t, uploads, 1)
	names := uploads[0]
	sort.Strings(names)
	assert.Equal(t, []string{"vclibs.appx", "viewer.cer", "viewer.msix"}, names)
}

func TestInstallMissingFile(t *testing.T) {
	portal := devicetest.New(t, "", "")
	err := newClient(portal.URL()).Install(context.Background(), client.InstallRequest{Package: "/nonexistent/app.msix"})
	require.Error(t, err)
	assert.Empty(t, portal.Uploads())
}

func TestInstallStatePendingThenDone(t *testing.T) {
	portal := devicetest.New(t, "", "")
	portal.ExpectInstall(1, client.InstallState{Code: -2147009293, CodeText: "Failure", Reason: "newer version installed"}, nil)
	c := newClient(portal.URL())
	ctx := context.Background()

	_, done, err := c.InstallState(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	state, done, err := c.InstallState(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, state.Success)
	assert.Equal(t, "newer version installed", state.Reason)
}

func TestDialStreamSendsCommands(t *testing.T) {
	portal := devicetest.New(t, "", "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := newClient(portal.URL()).DialStream(ctx, client.PathTraceSession)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.WriteMessage(1, []byte("provider "+devicetest.KernelGUID+" enable")))

	cmd, ok := portal.WaitCommand(ctx)
	require.True(t, ok)
	assert.Equal(t, "provider "+devicetest.KernelGUID+" enable", cmd)
}

func TestTLSWithTrustedCA(t *testing.T) {
	portal, caPath := devicetest.NewTLS(t, "", "")
	ctx := context.Background()

	trusted := client.New(client.Config{BaseURL: portal.URL(), TLS: &client.TLSClientConfig{Enabled: true, CACert: caPath}})
	_, err := trusted.InstalledPackages(ctx)
	require.NoError(t, err)
	conn, err := trusted.DialStream(ctx, client.PathProcesses)
	require.NoError(t, err)
	_ = conn.Close()

	_, err = newClient(portal.URL()).InstalledPackages(ctx)
	require.Error(t, err)
	assert.True(t, client.IsTransport(err))

	insecure := client.New(client.Config{BaseURL: portal.URL(), Insecure: true})
	_, err = insecure.InstalledPackages(ctx)
	require.NoError(t, err)
}

func TestInsecureKeepsClientCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "client.pem"), filepath.Join(dir, "client.key")
	require.NoError(t, certs.GenerateSelfSigned(certs.Config{
		CommonName: "portalctl-client", Hosts: []string{"127.0.0.1"}, CertPath: certPath, KeyPath: keyPath,
	}))

	tc, err := client.Config{
		Insecure: true,
		TLS:      &client.TLSClientConfig{Enabled: true, CACert: certPath, ClientCert: certPath, ClientKey: keyPath},
	}.TLSConfig()
	require.NoError(t, err)
	assert.True(t, tc.InsecureSkipVerify)
	assert.NotEmpty(t, tc.Certificates)
	assert.NotNil(t, tc.RootCAs)
}

func TestTLSConfigErrors(t *testing.T) {
	tc, err := client.Config{}.TLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tc)

	_, err = client.Config{TLS: &client.TLSClientConfig{Enabled: true, CACert: filepath.Join(t.TempDir(), "missing.pem")}}.TLSConfig()
	assert.ErrorContains(t, err, "failed to load CA certificate")

	_, err = client.Config{TLS: &client.TLSClientConfig{Enabled: true, ClientCert: "client.pem"}}.TLSConfig()
	assert.ErrorContains(t, err, "must be set together")
}

func TestParseVersion(t *testing.T) {
	v, err := client.ParseVersion("10.0.22621")
	require.NoError(t, err)
	assert.Equal(t, client.Version{Major: 10, Minor: 0, Build: 22621}, v)
	assert.Equal(t, 1, v.Compare(client.Version{Major: 9, Minor: 9, Build: 9, Revision: 9}))
	assert.Equal(t, 0, v.Compare(v))

	_, err = client.ParseVersion("latest")
	assert.Error(t, err)
}
