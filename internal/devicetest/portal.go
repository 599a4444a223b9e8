// Package devicetest runs an in-process fake of the device portal: the
// package manager, task manager, process listing and trace provider REST
// endpoints plus the trace and process WebSocket streams.
package devicetest

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/portalctl/internal/certs"
	"github.com/loykin/portalctl/internal/trace"
	"github.com/loykin/portalctl/pkg/client"
)

// KernelGUID is the provider GUID the fake registers for kernel process events.
const KernelGUID = "{22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716}"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Portal is a fake device. All methods are safe for concurrent use.
type Portal struct {
	// EmitKernelEvents makes app start and stop push kernel ProcessStart and
	// ProcessStop events to connected trace streams.
	EmitKernelEvents bool
	// StopExitCode is the exit code reported for processes stopped through the task manager.
	StopExitCode int

	srv *httptest.Server

	mu           sync.Mutex
	packages     []client.Package
	processes    []client.Process
	providers    []client.Provider
	custom       []client.Provider
	nextPID      uint32
	uploads      [][]string
	pending      int
	installState client.InstallState
	installed    *client.Package
	failures     map[string][]client.ErrorResponse
	commands     []string
	commandc     chan string
	traces       []*peer
	monitors     []*peer
	monitorc     chan struct{}
	startc       chan string
}

type peer struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (p *peer) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteJSON(v)
}

// New starts a fake portal that is shut down when the test ends. With
// username set every route requires basic auth.
func New(t testing.TB, username, password string) *Portal {
	t.Helper()
	p := newPortal()
	p.srv = httptest.NewServer(p.handler(username, password))
	t.Cleanup(p.Close)
	return p
}

// NewTLS is like New but serves HTTPS with a freshly generated self-signed
// certificate. It returns the certificate path for clients to trust.
func NewTLS(t testing.TB, username, password string) (*Portal, string) {
	t.Helper()
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "portal.pem"), filepath.Join(dir, "portal.key")
	err := certs.GenerateSelfSigned(certs.Config{
		CommonName:   "devicetest",
		Organization: "portalctl",
		Hosts:        []string{"127.0.0.1", "localhost"},
		CertPath:     certPath,
		KeyPath:      keyPath,
	})
	if err != nil {
		t.Fatalf("generate portal certificate: %v", err)
	}
	cfg, err := certs.ServerConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("load portal certificate: %v", err)
	}

	p := newPortal()
	p.srv = httptest.NewUnstartedServer(p.handler(username, password))
	p.srv.TLS = cfg
	p.srv.StartTLS()
	t.Cleanup(p.Close)
	return p, certPath
}

func newPortal() *Portal {
	gin.SetMode(gin.TestMode)
	return &Portal{
		nextPID:      1000,
		providers:    []client.Provider{{GUID: KernelGUID, Name: trace.KernelProcessProvider}},
		installState: client.InstallState{Code: 0, CodeText: "Success", Success: true},
		failures:     map[string][]client.ErrorResponse{},
		commandc:     make(chan string, 64),
		monitorc:     make(chan struct{}, 8),
		startc:       make(chan string, 8),
	}
}

// URL is the portal base URL.
func (p *Portal) URL() string { return p.srv.URL }

// Close drops every stream and stops the server.
func (p *Portal) Close() {
	p.mu.Lock()
	peers := append(append([]*peer(nil), p.traces...), p.monitors...)
	p.mu.Unlock()
	for _, c := range peers {
		_ = c.ws.Close()
	}
	p.srv.Close()
}

func (p *Portal) handler(username, password string) http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if username != "" {
		g.Use(gin.BasicAuth(gin.Accounts{username: password}))
	}
	g.Use(p.injectFailures)

	api := g.Group("/api")
	api.GET("/app/packagemanager/packages", p.handlePackages)
	api.POST("/app/packagemanager/package", p.handleInstall)
	api.DELETE("/app/packagemanager/package", p.handleUninstall)
	api.GET("/app/packagemanager/state", p.handleInstallState)
	api.GET("/resourcemanager/processes", p.handleProcesses)
	api.POST("/taskmanager/app", p.handleStart)
	api.DELETE("/taskmanager/app", p.handleStop)
	api.GET("/etw/providers", p.handleProviders(false))
	api.GET("/etw/customproviders", p.handleProviders(true))
	api.GET("/etw/session/realtime", p.handleTraceStream)
	return g
}

// --- state setup ---

// AddPackage registers an installed package.
func (p *Portal) AddPackage(pkg client.Package) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packages = append(p.packages, pkg)
}

// Packages returns the installed packages.
func (p *Portal) Packages() []client.Package {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]client.Package(nil), p.packages...)
}

// SetProcess adds or replaces the process entry of a package.
func (p *Portal) SetProcess(proc client.Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setProcessLocked(proc)
}

func (p *Portal) setProcessLocked(proc client.Process) {
	for i := range p.processes {
		if p.processes[i].PackageFullName == proc.PackageFullName {
			p.processes[i] = proc
			return
		}
	}
	p.processes = append(p.processes, proc)
}

// AddCustomProvider registers a provider on the custom provider list.
func (p *Portal) AddCustomProvider(prov client.Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.custom = append(p.custom, prov)
}

// SetProviders replaces the registered provider list.
func (p *Portal) SetProviders(provs ...client.Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers = provs
}

// ExpectInstall makes the next upload report pending for the given number of
// state polls, then state, and list pkg as installed when state succeeded.
func (p *Portal) ExpectInstall(pending int, state client.InstallState, pkg *client.Package) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = pending
	p.installState = state
	p.installed = pkg
}

// Uploads returns the form file names of every upload.
func (p *Portal) Uploads() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.uploads...)
}

// FailNext makes the next request to method and path fail with status and reason.
func (p *Portal) FailNext(method, path string, status int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := method + " " + path
	p.failures[key] = append(p.failures[key], client.ErrorResponse{Code: status, Reason: reason})
}

func (p *Portal) injectFailures(c *gin.Context) {
	key := c.Request.Method + " " + c.Request.URL.Path
	p.mu.Lock()
	queue := p.failures[key]
	var fail *client.ErrorResponse
	if len(queue) > 0 {
		fail = &queue[0]
		p.failures[key] = queue[1:]
	}
	p.mu.Unlock()
	if fail != nil {
		c.AbortWithStatusJSON(fail.Code, fail)
		return
	}
	c.Next()
}

// --- REST handlers ---

func (p *Portal) handlePackages(c *gin.Context) {
	p.mu.Lock()
	pkgs := append([]client.Package(nil), p.packages...)
	p.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"InstalledPackages": pkgs})
}

func (p *Portal) handleInstall(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	var names []string
	for name := range form.File {
		names = append(names, name)
	}
	p.mu.Lock()
	p.uploads = append(p.uploads, names)
	p.mu.Unlock()
	c.Status(http.StatusAccepted)
}

func (p *Portal) handleInstallState(c *gin.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending > 0 {
		p.pending--
		c.Status(http.StatusNoContent)
		return
	}
	if p.installed != nil && p.installState.Success {
		kept := p.packages[:0]
		for _, pkg := range p.packages {
			if pkg.FamilyName != p.installed.FamilyName {
				kept = append(kept, pkg)
			}
		}
		p.packages = append(kept, *p.installed)
		p.installed = nil
	}
	c.JSON(http.StatusOK, p.installState)
}

func (p *Portal) handleUninstall(c *gin.Context) {
	full := c.Query("package")
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pkg := range p.packages {
		if pkg.FullName == full {
			p.packages = append(p.packages[:i], p.packages[i+1:]...)
			c.Status(http.StatusOK)
			return
		}
	}
	abort(c, http.StatusNotFound, "package not found")
}

func (p *Portal) handleProcesses(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		p.handleProcessStream(c)
		return
	}
	p.mu.Lock()
	snap := client.ProcessSnapshot{Processes: append([]client.Process(nil), p.processes...)}
	p.mu.Unlock()
	c.JSON(http.StatusOK, snap)
}

func (p *Portal) handleStart(c *gin.Context) {
	full, err := decodeParam(c, "package")
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := decodeParam(c, "appid"); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	p.mu.Lock()
	if !p.hasPackageLocked(full) {
		p.mu.Unlock()
		abort(c, http.StatusNotFound, "package not found")
		return
	}
	p.nextPID++
	pid := p.nextPID
	p.setProcessLocked(client.Process{ImageName: "app.exe", PackageFullName: full, ProcessID: pid, IsRunning: true})
	emit := p.EmitKernelEvents
	p.mu.Unlock()

	if emit {
		p.PushEvents(trace.Event{
			Level: trace.LevelInformation, ProviderName: trace.KernelProcessProvider,
			TaskName: trace.TaskProcessStart, PackageFullName: full, ProcessID: &pid,
		})
	}
	select {
	case p.startc <- full:
	default:
	}
	c.Status(http.StatusOK)
}

func (p *Portal) handleStop(c *gin.Context) {
	full, err := decodeParam(c, "package")
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	p.mu.Lock()
	var stopped []client.Process
	kept := p.processes[:0]
	for _, proc := range p.processes {
		if proc.PackageFullName == full {
			stopped = append(stopped, proc)
			continue
		}
		kept = append(kept, proc)
	}
	p.processes = kept
	emit, code := p.EmitKernelEvents, p.StopExitCode
	p.mu.Unlock()

	if emit {
		for _, proc := range stopped {
			p.Exit(proc.ProcessID, code)
		}
	}
	c.Status(http.StatusOK)
}

func (p *Portal) handleProviders(custom bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		p.mu.Lock()
		list := p.providers
		if custom {
			list = p.custom
		}
		list = append([]client.Provider{}, list...)
		p.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"Providers": list})
	}
}

func (p *Portal) hasPackageLocked(full string) bool {
	for _, pkg := range p.packages {
		if pkg.FullName == full {
			return true
		}
	}
	return false
}

func decodeParam(c *gin.Context, name string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(c.Query(name))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func abort(c *gin.Context, status int, reason string) {
	c.AbortWithStatusJSON(status, client.ErrorResponse{Code: status, Reason: reason})
}

// Record builds an installed package record as the device lists it.
func Record(name, family string, v client.Version, canUninstall bool) client.Package {
	full := family + "_" + v.String() + "_x64__8wekyb3d8bbwe"
	p := client.Package{
		Name:         name,
		FullName:     full,
		FamilyName:   family,
		RelativeID:   family + "!App",
		Publisher:    "CN=Contoso",
		Version:      v,
		CanUninstall: canUninstall,
		IsInstalled:  true,
	}
	data, _ := json.Marshal(p)
	_ = json.Unmarshal(data, &p.Raw)
	return p
}
