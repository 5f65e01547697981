package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Operations dashboard events.
const (
	PipelineRunStart = "PipelineRunStart"
	PipelineRunEnd   = "PipelineRunEnd"
)

const defaultDashboardApp = "engagement-pipeline"

// EventSender delivers one RFC 5424 line to the operations dashboard.
type EventSender interface {
	SendRFC5424(appName, structuredData, message string, timeout time.Duration) error
}

// SyslogClient sends RFC 5424 lines over TCP, one connection per line.
type SyslogClient struct {
	addr string
}

func NewSyslogClient(addr string) *SyslogClient {
	return &SyslogClient{addr: addr}
}

func (c *SyslogClient) SendRFC5424(appName, structuredData, message string, timeout time.Duration) error {
	var (
		conn net.Conn
		err  error
	)
	if timeout > 0 {
		conn, err = net.DialTimeout("tcp", c.addr, timeout)
	} else {
		conn, err = net.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(formatRFC5424(time.Now(), appName, structuredData, message)); err != nil {
		return err
	}
	return w.Flush()
}

func formatRFC5424(now time.Time, appName, structuredData, message string) string {
	host, _ := os.Hostname()
	if appName == "" {
		appName = defaultDashboardApp
	}
	if structuredData == "" {
		structuredData = "-"
	}
	const pri = 134 // local0.info
	return fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n", pri, now.UTC().Format(time.RFC3339Nano),
		sanitizeSyslogToken(host), sanitizeSyslogToken(appName), structuredData, strings.TrimSpace(message))
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// Dashboard records pipeline run events. A nil Dashboard drops them.
type Dashboard struct {
	Sender   EventSender
	AppName  string
	Pipeline string
	Project  string
	Timeout  time.Duration
	Log      *zap.Logger
}

// NewDashboard returns the dashboard configured for pc, or nil when no
// syslog address is set. OPERATIONS_DASHBOARD_SYSLOG_ADDR overrides the file.
func NewDashboard(pc *Config, creds *Credentials, log *zap.Logger) *Dashboard {
	addr := creds.DashboardSyslogAddr
	appName := ""
	if d := pc.File.OperationsDashboard; d != nil {
		if addr == "" {
			addr = d.SyslogAddr
		}
		appName = d.AppName
	}
	if addr == "" {
		return nil
	}
	return &Dashboard{
		Sender:   NewSyslogClient(addr),
		AppName:  appName,
		Pipeline: pc.File.PipelineName,
		Project:  pc.File.Project,
		Log:      log,
	}
}

// LogEvent sends event for a run. Failures are logged and returned; callers
// treat them as non-fatal.
func (d *Dashboard) LogEvent(runID, event string, summary *RunSummary) error {
	if d == nil || d.Sender == nil {
		return nil
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	payload := map[string]any{
		"run_id":    runID,
		"pipeline":  d.Pipeline,
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if summary != nil {
		payload["summary"] = summary
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sd := buildStructuredData("pipeline", map[string]string{
		"pipeline": d.Pipeline,
		"project":  d.Project,
		"run_id":   runID,
		"event":    event,
		"status":   summary.status(),
	})
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if err := d.Sender.SendRFC5424(d.AppName, sd, string(b), timeout); err != nil {
		log.Warn("failed to send operations dashboard event", zap.String("event", event), zap.String("run_id", runID), zap.Error(err))
		return err
	}
	log.Info("sent operations dashboard event", zap.String("event", event), zap.String("run_id", runID))
	return nil
}

func buildStructuredData(sdID string, kv map[string]string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)
	preferredOrder := []string{"pipeline", "project", "run_id", "event", "status"}
	seen := make(map[string]struct{}, len(kv))
	write := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}
	for _, k := range preferredOrder {
		v, ok := kv[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		write(k, v)
	}
	extra := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		write(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "]", "\\]")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	return v
}
