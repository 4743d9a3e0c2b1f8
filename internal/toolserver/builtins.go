package toolserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/flowmesh/conductor/internal/tools"
)

// RegisterBuiltins installs the bundled tool handlers:
//
//	system.info       host and hardware snapshot
//	system.load       CPU usage and load averages
//	echo.text         returns its input, for round-trip checks
//	files.create_pdf  writes a stub PDF artifact under the data dir
//	email.send        pretends to send an email, returns a message id
func (s *Server) RegisterBuiltins() {
	if s == nil {
		return
	}
	s.Register("system.info", s.handleSystemInfo)
	s.Register("system.load", s.handleSystemLoad)
	s.Register("echo.text", handleEchoText)
	s.Register("files.create_pdf", s.handleCreatePDF)
	s.Register("email.send", handleEmailSend)
}

type systemInfoResult struct {
	Hostname      string `json:"hostname,omitempty"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	Platform      string `json:"platform,omitempty"`
	KernelVersion string `json:"kernel_version,omitempty"`
	UptimeS       uint64 `json:"uptime_s,omitempty"`
	CPUCores      int    `json:"cpu_cores,omitempty"`
	MemoryTotal   uint64 `json:"memory_total_bytes,omitempty"`
	MemoryUsed    uint64 `json:"memory_used_bytes,omitempty"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

func (s *Server) handleSystemInfo(ctx context.Context, _ map[string]any) (any, error) {
	out := systemInfoResult{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		TimestampMs: time.Now().UnixMilli(),
	}

	// Partial failures degrade the snapshot instead of failing the call.
	if info, err := host.InfoWithContext(ctx); err == nil && info != nil {
		out.Hostname = info.Hostname
		out.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		out.KernelVersion = info.KernelVersion
		out.UptimeS = info.Uptime
	} else if err != nil {
		s.log.Warn("system.info: host info failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.CPUCores = cores
	} else {
		s.log.Warn("system.info: cpu cores failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		out.MemoryTotal = vm.Total
		out.MemoryUsed = vm.Used
	} else if err != nil {
		s.log.Warn("system.info: memory failed", "error", err)
	}

	return out, nil
}

type systemLoadResult struct {
	CPUUsage    float64   `json:"cpu_usage"`
	LoadAverage []float64 `json:"load_average,omitempty"`
	TimestampMs int64     `json:"timestamp_ms"`
}

func (s *Server) handleSystemLoad(ctx context.Context, _ map[string]any) (any, error) {
	out := systemLoadResult{TimestampMs: time.Now().UnixMilli()}

	// Non-blocking sample: diff against the previous call instead of sleeping
	// for an interval inside the handler.
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		out.CPUUsage = p[0]
	} else if err != nil {
		s.log.Warn("system.load: cpu percent failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		out.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("system.load: load average failed", "error", err)
	}

	return out, nil
}

type echoResult struct {
	Text         string `json:"text"`
	Length       int    `json:"length"`
	EchoedAtUnix int64  `json:"echoed_at_unix_ms"`
}

func handleEchoText(_ context.Context, args map[string]any) (any, error) {
	text, ok := stringArg(args, "text")
	if !ok {
		return nil, &tools.Error{Code: tools.ErrorCodeToolError, Message: "echo.text: missing text argument"}
	}
	return echoResult{
		Text:         text,
		Length:       len(text),
		EchoedAtUnix: time.Now().UnixMilli(),
	}, nil
}

type createPDFResult struct {
	FileURL   string `json:"file_url"`
	Filename  string `json:"filename"`
	Format    string `json:"format"`
	SizeBytes int    `json:"size_bytes"`
}

func (s *Server) handleCreatePDF(_ context.Context, args map[string]any) (any, error) {
	title, _ := stringArg(args, "title")
	content, _ := stringArg(args, "content")
	filename, _ := stringArg(args, "filename")

	if filename == "" {
		filename = slugify(title)
		if filename == "" {
			filename = "document"
		}
	}
	filename = filepath.Base(filename)
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		filename += ".pdf"
	}

	dir := filepath.Join(s.dataDir, "artifacts")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &tools.Error{Code: tools.ErrorCodeToolError, Message: fmt.Sprintf("files.create_pdf: %v", err)}
	}

	// Stub artifact: a minimal document skeleton, not real typesetting.
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	if title != "" {
		b.WriteString("% title: " + title + "\n")
	}
	if content != "" {
		b.WriteString(content)
		b.WriteString("\n")
	}
	b.WriteString("%%EOF\n")

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return nil, &tools.Error{Code: tools.ErrorCodeToolError, Message: fmt.Sprintf("files.create_pdf: %v", err)}
	}

	return createPDFResult{
		FileURL:   "file://" + path,
		Filename:  filename,
		Format:    "pdf",
		SizeBytes: b.Len(),
	}, nil
}

type emailSendResult struct {
	MessageID       string `json:"message_id"`
	Accepted        bool   `json:"accepted"`
	To              string `json:"to"`
	Subject         string `json:"subject"`
	AttachmentCount int    `json:"attachment_count"`
}

func handleEmailSend(_ context.Context, args map[string]any) (any, error) {
	to, _ := stringArg(args, "to")
	subject, _ := stringArg(args, "subject")
	attachment, _ := stringArg(args, "attachment")

	if to == "" || !strings.Contains(to, "@") {
		return nil, &tools.Error{Code: tools.ErrorCodeToolError, Message: fmt.Sprintf("email.send: invalid recipient %q", to)}
	}
	if subject == "" {
		return nil, &tools.Error{Code: tools.ErrorCodeToolError, Message: "email.send: missing subject"}
	}

	attachments := 0
	if attachment != "" {
		attachments = 1
	}

	return emailSendResult{
		MessageID:       "msg_" + uuid.NewString(),
		Accepted:        true,
		To:              to,
		Subject:         subject,
		AttachmentCount: attachments,
	}, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	if args == nil {
		return "", false
	}
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// slugify flattens a title into a safe filename stem.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
