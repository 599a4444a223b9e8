package devicetest

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/portalctl/internal/trace"
	"github.com/loykin/portalctl/pkg/client"
)

func (p *Portal) handleTraceStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("trace stream upgrade failed", "error", err)
		return
	}
	conn := &peer{ws: ws}
	p.mu.Lock()
	p.traces = append(p.traces, conn)
	p.mu.Unlock()
	defer p.drop(conn)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		cmd := string(data)
		p.mu.Lock()
		p.commands = append(p.commands, cmd)
		p.mu.Unlock()
		select {
		case p.commandc <- cmd:
		default:
		}
	}
}

func (p *Portal) handleProcessStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("process stream upgrade failed", "error", err)
		return
	}
	conn := &peer{ws: ws}
	p.mu.Lock()
	p.monitors = append(p.monitors, conn)
	p.mu.Unlock()
	defer p.drop(conn)
	select {
	case p.monitorc <- struct{}{}:
	default:
	}

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *Portal) drop(conn *peer) {
	_ = conn.ws.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.traces = remove(p.traces, conn)
	p.monitors = remove(p.monitors, conn)
}

func remove(list []*peer, conn *peer) []*peer {
	out := list[:0]
	for _, c := range list {
		if c != conn {
			out = append(out, c)
		}
	}
	return out
}

// Commands returns every command received on trace streams.
func (p *Portal) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// WaitCommand blocks until a trace stream sends a command or ctx ends.
func (p *Portal) WaitCommand(ctx context.Context) (string, bool) {
	select {
	case cmd := <-p.commandc:
		return cmd, true
	case <-ctx.Done():
		return "", false
	}
}

// WaitMonitor blocks until a process stream connects or ctx ends.
func (p *Portal) WaitMonitor(ctx context.Context) bool {
	select {
	case <-p.monitorc:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitStart blocks until an app start request arrives and returns its package.
func (p *Portal) WaitStart(ctx context.Context) (string, bool) {
	select {
	case full := <-p.startc:
		return full, true
	case <-ctx.Done():
		return "", false
	}
}

// PushEvents sends one event batch to every trace stream.
func (p *Portal) PushEvents(events ...trace.Event) {
	p.broadcast(p.tracePeers(), trace.Batch{Events: events})
}

// PushSnapshot sends the current process list to every process stream.
func (p *Portal) PushSnapshot() {
	p.mu.Lock()
	snap := client.ProcessSnapshot{Processes: append([]client.Process{}, p.processes...)}
	monitors := append([]*peer(nil), p.monitors...)
	p.mu.Unlock()
	p.broadcast(monitors, snap)
}

// Exit removes the process pid and pushes its kernel ProcessStop event.
func (p *Portal) Exit(pid uint32, code int) {
	p.mu.Lock()
	kept := p.processes[:0]
	for _, proc := range p.processes {
		if proc.ProcessID != pid {
			kept = append(kept, proc)
		}
	}
	p.processes = kept
	p.mu.Unlock()

	p.PushEvents(trace.Event{
		Level: trace.LevelInformation, ProviderName: trace.KernelProcessProvider,
		TaskName: trace.TaskProcessStop, ProcessID: &pid, ExitCode: &code,
		Message: "process exited",
	})
}

// DropStreams closes every open stream without a close handshake.
func (p *Portal) DropStreams() {
	p.mu.Lock()
	peers := append(append([]*peer(nil), p.traces...), p.monitors...)
	p.mu.Unlock()
	for _, c := range peers {
		_ = c.ws.UnderlyingConn().Close()
	}
}

func (p *Portal) tracePeers() []*peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*peer(nil), p.traces...)
}

func (p *Portal) broadcast(peers []*peer, v any) {
	for _, c := range peers {
		if err := c.writeJSON(v); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			slog.Debug("fake portal push failed", "error", err)
		}
	}
}
